package trust

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Provider.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures a Provider.
type Options struct {
	Format   Format
	Password string
	SHA256   string

	// IncludeSystemRoots adds the platform CA store underneath the bundle.
	IncludeSystemRoots bool
	// MinVersion defaults to TLS 1.2.
	MinVersion uint16
	ServerName string

	VerifierFactory VerifierFactory
	// SystemRoots defaults to x509.SystemCertPool.
	SystemRoots func() (*x509.CertPool, error)

	Logger  *slog.Logger
	Metrics *MetricsCollector
}

// Provider builds one TLS client context from one trust bundle and shares it
// for its whole lifetime. Ready and Failed are terminal.
type Provider struct {
	id      string
	opts    Options
	logger  *Logger
	metrics *MetricsCollector

	mu       sync.RWMutex
	state    State
	bundle   *Bundle
	verifier Verifier
	config   *tls.Config
	err      error
}

// NewProvider creates an uninitialized provider.
func NewProvider(opts Options) *Provider {
	if opts.VerifierFactory == nil {
		opts.VerifierFactory = DefaultVerifierFactory()
	}
	if opts.SystemRoots == nil {
		opts.SystemRoots = x509.SystemCertPool
	}
	if opts.MinVersion == 0 {
		opts.MinVersion = tls.VersionTLS12
	}
	if opts.Format == "" {
		opts.Format = FormatAuto
	}

	return &Provider{
		id:      uuid.NewString(),
		opts:    opts,
		logger:  NewLogger(opts.Logger),
		metrics: opts.Metrics,
		state:   StateUninitialized,
	}
}

// Load creates a provider and initializes it from src.
func Load(ctx context.Context, src Source, opts Options) (*Provider, error) {
	p := NewProvider(opts)
	if err := p.Initialize(ctx, src); err != nil {
		return p, err
	}
	return p, nil
}

// ID returns the provider's instance identifier used in logs.
func (p *Provider) ID() string { return p.id }

// State returns the current lifecycle state.
func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Initialize loads the bundle from src and builds the TLS context. It may
// succeed or fail exactly once; later calls return ErrAlreadyInitialized.
func (p *Provider) Initialize(ctx context.Context, src Source) error {
	p.mu.Lock()
	if p.state != StateUninitialized {
		state := p.state
		p.mu.Unlock()
		return NewAlreadyInitializedError(state)
	}
	p.state = StateInitializing
	p.mu.Unlock()
	p.logger.LogStateChange(ctx, p.id, StateUninitialized, StateInitializing)

	name := "<nil>"
	if src != nil {
		name = src.Name()
	}

	start := time.Now()
	bundle, verifier, config, err := p.build(src)
	duration := time.Since(start)

	final := StateReady
	p.mu.Lock()
	if err != nil {
		final = StateFailed
		p.err = err
	} else {
		p.bundle = bundle
		p.verifier = verifier
		p.config = config
	}
	p.state = final
	p.mu.Unlock()

	p.logger.LogBundleLoad(ctx, p.id, name, bundle, duration, err)
	p.logger.LogStateChange(ctx, p.id, StateInitializing, final)
	p.metrics.RecordInitialization(ctx, name, err, duration)
	if bundle != nil && err == nil {
		p.metrics.RecordBundleCertificates(ctx, name, bundle.Len())
	}

	return err
}

func (p *Provider) build(src Source) (*Bundle, Verifier, *tls.Config, error) {
	bundle, err := LoadBundle(src, LoadOptions{
		Format:   p.opts.Format,
		Password: p.opts.Password,
		SHA256:   p.opts.SHA256,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	var base *x509.CertPool
	if p.opts.IncludeSystemRoots {
		base, err = p.opts.SystemRoots()
		if err != nil {
			return bundle, nil, nil, NewAlgorithmUnavailableError("system certificate pool", err)
		}
		if base == nil {
			return bundle, nil, nil, NewAlgorithmUnavailableError("system certificate pool", nil)
		}
	}
	roots := bundle.Pool(base)

	verifier, err := selectX509Verifier(p.opts.VerifierFactory.Verifiers(roots, bundle.Certificates()))
	if err != nil {
		return bundle, nil, nil, err
	}

	config := &tls.Config{
		MinVersion: p.opts.MinVersion,
		RootCAs:    roots,
		ServerName: p.opts.ServerName,
		VerifyConnection: func(cs tls.ConnectionState) error {
			err := verifier.VerifyServerChain(cs.PeerCertificates, cs.ServerName)
			p.metrics.RecordChainValidation(context.Background(), UsageServer, err == nil)
			return err
		},
	}

	return bundle, verifier, config, nil
}

func selectX509Verifier(verifiers []Verifier) (Verifier, error) {
	kinds := make([]string, 0, len(verifiers))
	for _, v := range verifiers {
		if v == nil {
			continue
		}
		if v.Kind() == KindX509 {
			return v, nil
		}
		kinds = append(kinds, string(v.Kind()))
	}
	return nil, NewNoX509VerifierError(kinds)
}

// Context returns the shared TLS client configuration. Every call after a
// successful Initialize returns the same pointer; callers that need to set
// per-connection fields must Clone it. After a failed Initialize every call
// returns the original error.
func (p *Provider) Context() (*tls.Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.state {
	case StateReady:
		return p.config, nil
	case StateFailed:
		return nil, p.err
	default:
		return nil, NewNotInitializedError(p.state)
	}
}

// Verifier returns the selected chain verifier under the same rules as Context.
func (p *Provider) Verifier() (Verifier, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.state {
	case StateReady:
		return p.verifier, nil
	case StateFailed:
		return nil, p.err
	default:
		return nil, NewNotInitializedError(p.state)
	}
}

// Bundle returns the loaded bundle, or nil unless the provider is Ready.
func (p *Provider) Bundle() *Bundle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != StateReady {
		return nil
	}
	return p.bundle
}

// Err returns the initialization failure, if any.
func (p *Provider) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// VerifyServerChain validates chain with the provider's verifier and records
// the result.
func (p *Provider) VerifyServerChain(ctx context.Context, chain []*x509.Certificate, serverName string) error {
	v, err := p.Verifier()
	if err != nil {
		return err
	}
	err = v.VerifyServerChain(chain, serverName)
	p.observeValidation(ctx, UsageServer, chain, err)
	return err
}

// VerifyClientChain validates chain with the provider's verifier and records
// the result.
func (p *Provider) VerifyClientChain(ctx context.Context, chain []*x509.Certificate) error {
	v, err := p.Verifier()
	if err != nil {
		return err
	}
	err = v.VerifyClientChain(chain)
	p.observeValidation(ctx, UsageClient, chain, err)
	return err
}

func (p *Provider) observeValidation(ctx context.Context, usage string, chain []*x509.Certificate, err error) {
	var leaf *x509.Certificate
	if len(chain) > 0 {
		leaf = chain[0]
	}
	p.logger.LogChainValidation(ctx, usage, leaf, err)
	p.metrics.RecordChainValidation(ctx, usage, err == nil)
}
