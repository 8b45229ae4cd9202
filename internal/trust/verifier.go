package trust

import (
	"crypto/x509"
	"time"
)

// VerifierKind names the kind of chain validation a Verifier performs.
type VerifierKind string

const KindX509 VerifierKind = "x509"

// Usage labels used in errors, logs and metrics.
const (
	UsageServer = "server"
	UsageClient = "client"
)

// Verifier validates certificate chains against a trust store.
type Verifier interface {
	Kind() VerifierKind
	// VerifyServerChain validates a chain presented by a server. chain[0] is
	// the leaf; serverName is checked against it when non-empty.
	VerifyServerChain(chain []*x509.Certificate, serverName string) error
	// VerifyClientChain validates a chain presented by a client.
	VerifyClientChain(chain []*x509.Certificate) error
	// AcceptedIssuers returns the CA certificates this verifier trusts.
	AcceptedIssuers() []*x509.Certificate
}

// VerifierFactory produces the verifiers available for a trust store. The
// provider selects the first one of kind KindX509.
type VerifierFactory interface {
	Verifiers(roots *x509.CertPool, issuers []*x509.Certificate) []Verifier
}

// VerifierFactoryFunc adapts a function to VerifierFactory.
type VerifierFactoryFunc func(roots *x509.CertPool, issuers []*x509.Certificate) []Verifier

func (f VerifierFactoryFunc) Verifiers(roots *x509.CertPool, issuers []*x509.Certificate) []Verifier {
	return f(roots, issuers)
}

// DefaultVerifierFactory returns the factory yielding the platform X.509
// verifier.
func DefaultVerifierFactory() VerifierFactory {
	return VerifierFactoryFunc(func(roots *x509.CertPool, issuers []*x509.Certificate) []Verifier {
		return []Verifier{NewX509Verifier(roots, issuers)}
	})
}

// X509Verifier delegates to x509.Certificate.Verify. It holds no mutable
// state and is safe for concurrent use.
type X509Verifier struct {
	roots   *x509.CertPool
	issuers []*x509.Certificate
	now     func() time.Time
}

// NewX509Verifier builds a verifier over roots. issuers is what
// AcceptedIssuers reports and is usually the bundle's certificates.
func NewX509Verifier(roots *x509.CertPool, issuers []*x509.Certificate) *X509Verifier {
	return &X509Verifier{
		roots:   roots,
		issuers: append([]*x509.Certificate(nil), issuers...),
	}
}

// WithClock returns a copy of v that validates at the times reported by now.
func (v *X509Verifier) WithClock(now func() time.Time) *X509Verifier {
	clone := *v
	clone.now = now
	return &clone
}

func (v *X509Verifier) Kind() VerifierKind { return KindX509 }

func (v *X509Verifier) VerifyServerChain(chain []*x509.Certificate, serverName string) error {
	return v.verify(chain, x509.ExtKeyUsageServerAuth, serverName, UsageServer)
}

func (v *X509Verifier) VerifyClientChain(chain []*x509.Certificate) error {
	return v.verify(chain, x509.ExtKeyUsageClientAuth, "", UsageClient)
}

func (v *X509Verifier) AcceptedIssuers() []*x509.Certificate {
	return append([]*x509.Certificate(nil), v.issuers...)
}

func (v *X509Verifier) verify(chain []*x509.Certificate, usage x509.ExtKeyUsage, dnsName, label string) error {
	if len(chain) == 0 {
		return NewInvalidArgumentError("certificate chain", "chain is empty").WithContext("usage", label)
	}
	for i, cert := range chain {
		if cert == nil {
			return NewInvalidArgumentError("certificate chain", "chain contains a nil certificate").
				WithContext("usage", label).
				WithContext("index", i)
		}
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		DNSName:       dnsName,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	}
	if v.now != nil {
		opts.CurrentTime = v.now()
	}

	if _, err := chain[0].Verify(opts); err != nil {
		return NewChainValidationError(label, err).
			WithContext("subject", chain[0].Subject.String())
	}
	return nil
}
