// Package httpclient builds outbound HTTPS clients that trust exactly what a
// trust.Provider trusts.
package httpclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/polisai/polis-trust/internal/trust"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options tunes the client. Zero values select the defaults below.
type Options struct {
	// Timeout defaults to 30s.
	Timeout time.Duration
	// ServerName overrides the provider's server name for this client only.
	ServerName string
	// SpanName names the client spans, default "polis.trust.client".
	SpanName string
}

// New returns an *http.Client whose transport uses a clone of p's TLS
// context and is instrumented with otelhttp. It fails with p's
// initialization error when p is not Ready.
func New(p *trust.Provider, opts Options) (*http.Client, error) {
	transport, err := NewTransport(p, opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// NewTransport returns the instrumented transport used by New.
func NewTransport(p *trust.Provider, opts Options) (http.RoundTripper, error) {
	tlsConfig, err := p.Context()
	if err != nil {
		return nil, fmt.Errorf("trust provider not ready: %w", err)
	}

	// per-client fields must not leak into the shared context
	tlsConfig = tlsConfig.Clone()
	if opts.ServerName != "" {
		tlsConfig.ServerName = opts.ServerName
	}

	base, ok := http.DefaultTransport.(*http.Transport)
	var transport *http.Transport
	if ok {
		transport = base.Clone()
	} else {
		transport = &http.Transport{Proxy: http.ProxyFromEnvironment}
	}
	transport.TLSClientConfig = tlsConfig
	transport.ForceAttemptHTTP2 = true

	spanName := opts.SpanName
	if spanName == "" {
		spanName = "polis.trust.client"
	}
	return otelhttp.NewTransport(transport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return spanName + " " + r.Method
		}),
	), nil
}
