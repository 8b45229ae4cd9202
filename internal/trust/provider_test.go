package trust

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestProvider_Lifecycle(t *testing.T) {
	pki := newTestPKI(t)
	p := NewProvider(Options{})

	assert.Equal(t, StateUninitialized, p.State())
	assert.NotEmpty(t, p.ID())

	cfg, err := p.Context()
	assert.Nil(t, cfg)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = p.Verifier()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Nil(t, p.Bundle())

	require.NoError(t, p.Initialize(context.Background(), BytesSource("ca", pki.bundlePEM())))
	assert.Equal(t, StateReady, p.State())
	assert.NoError(t, p.Err())
	require.NotNil(t, p.Bundle())
	assert.Equal(t, 1, p.Bundle().Len())

	err = p.Initialize(context.Background(), BytesSource("ca", pki.bundlePEM()))
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	assert.Equal(t, StateReady, p.State())
}

func TestProvider_ContextIsShared(t *testing.T) {
	pki := newTestPKI(t)
	p, err := Load(context.Background(), BytesSource("ca", pki.bundlePEM()), Options{ServerName: "localhost"})
	require.NoError(t, err)

	first, err := p.Context()
	require.NoError(t, err)
	second, err := p.Context()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.False(t, first.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS12), first.MinVersion)
	assert.Equal(t, "localhost", first.ServerName)
	assert.NotNil(t, first.RootCAs)
	assert.NotNil(t, first.VerifyConnection)
}

func TestProvider_VerifiesAgainstBundle(t *testing.T) {
	pki := newTestPKI(t)
	p, err := Load(context.Background(), BytesSource("ca", pki.bundlePEM()), Options{})
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, p.VerifyServerChain(ctx, []*x509.Certificate{pki.server.Certificate}, "localhost"))
	assert.ErrorIs(t, p.VerifyServerChain(ctx, []*x509.Certificate{pki.untrusted.Certificate}, "localhost"), ErrChainValidation)
	assert.NoError(t, p.VerifyClientChain(ctx, []*x509.Certificate{pki.client.Certificate}))
	assert.ErrorIs(t, p.VerifyServerChain(ctx, nil, "localhost"), ErrInvalidArgument)

	v, err := p.Verifier()
	require.NoError(t, err)
	issuers := v.AcceptedIssuers()
	require.Len(t, issuers, 1)
	assert.True(t, issuers[0].Equal(pki.ca.Certificate))
}

func TestProvider_FailureIsTerminal(t *testing.T) {
	tests := []struct {
		name     string
		src      func(t *testing.T) Source
		opts     Options
		sentinel error
	}{
		{
			name:     "nil source",
			src:      func(t *testing.T) Source { return nil },
			sentinel: ErrInvalidArgument,
		},
		{
			name:     "missing file",
			src:      func(t *testing.T) Source { return FileSource(t.TempDir() + "/missing.pem") },
			sentinel: ErrInvalidArgument,
		},
		{
			name:     "corrupt bundle",
			src:      func(t *testing.T) Source { return BytesSource("corrupt", []byte("corrupt")) },
			sentinel: ErrBundleLoad,
		},
		{
			name:     "unsupported format",
			src:      func(t *testing.T) Source { return BytesSource("ca", newTestPKI(t).bundlePEM()) },
			opts:     Options{Format: Format("jks")},
			sentinel: ErrAlgorithmUnavailable,
		},
		{
			name: "system roots unavailable",
			src:  func(t *testing.T) Source { return BytesSource("ca", newTestPKI(t).bundlePEM()) },
			opts: Options{
				IncludeSystemRoots: true,
				SystemRoots: func() (*x509.CertPool, error) {
					return nil, errors.New("no system roots")
				},
			},
			sentinel: ErrAlgorithmUnavailable,
		},
		{
			name: "no x509 verifier",
			src:  func(t *testing.T) Source { return BytesSource("ca", newTestPKI(t).bundlePEM()) },
			opts: Options{
				VerifierFactory: VerifierFactoryFunc(func(*x509.CertPool, []*x509.Certificate) []Verifier {
					return []Verifier{fakeVerifier{kind: "spiffe"}, nil}
				}),
			},
			sentinel: ErrNoX509Verifier,
		},
		{
			name: "empty verifier list",
			src:  func(t *testing.T) Source { return BytesSource("ca", newTestPKI(t).bundlePEM()) },
			opts: Options{
				VerifierFactory: VerifierFactoryFunc(func(*x509.CertPool, []*x509.Certificate) []Verifier {
					return nil
				}),
			},
			sentinel: ErrNoX509Verifier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProvider(tt.opts)
			initErr := p.Initialize(context.Background(), tt.src(t))
			require.Error(t, initErr)
			assert.ErrorIs(t, initErr, tt.sentinel)
			assert.True(t, IsInitializationError(initErr))
			assert.Equal(t, StateFailed, p.State())
			assert.Nil(t, p.Bundle())

			for i := 0; i < 3; i++ {
				cfg, err := p.Context()
				assert.Nil(t, cfg)
				assert.True(t, err == initErr, "Context must return the original error")
			}
			_, err := p.Verifier()
			assert.True(t, err == initErr)

			err = p.Initialize(context.Background(), BytesSource("ca", newTestPKI(t).bundlePEM()))
			assert.ErrorIs(t, err, ErrAlreadyInitialized)
			assert.Equal(t, StateFailed, p.State())
		})
	}
}

type fakeVerifier struct {
	kind VerifierKind
}

func (f fakeVerifier) Kind() VerifierKind { return f.kind }
func (f fakeVerifier) VerifyServerChain([]*x509.Certificate, string) error { return nil }
func (f fakeVerifier) VerifyClientChain([]*x509.Certificate) error { return nil }
func (f fakeVerifier) AcceptedIssuers() []*x509.Certificate { return nil }

func TestProvider_SelectsX509VerifierFromFactory(t *testing.T) {
	pki := newTestPKI(t)
	p, err := Load(context.Background(), BytesSource("ca", pki.bundlePEM()), Options{
		VerifierFactory: VerifierFactoryFunc(func(roots *x509.CertPool, issuers []*x509.Certificate) []Verifier {
			return []Verifier{fakeVerifier{kind: "spiffe"}, NewX509Verifier(roots, issuers)}
		}),
	})
	require.NoError(t, err)

	v, err := p.Verifier()
	require.NoError(t, err)
	assert.Equal(t, KindX509, v.Kind())
}

func TestProvider_IncludeSystemRoots(t *testing.T) {
	pki := newTestPKI(t)
	system := x509.NewCertPool()
	system.AddCert(pki.otherCA.Certificate)

	p, err := Load(context.Background(), BytesSource("ca", pki.bundlePEM()), Options{
		IncludeSystemRoots: true,
		SystemRoots: func() (*x509.CertPool, error) {
			return system, nil
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, p.VerifyServerChain(ctx, []*x509.Certificate{pki.server.Certificate}, "localhost"))
	assert.NoError(t, p.VerifyServerChain(ctx, []*x509.Certificate{pki.untrusted.Certificate}, "localhost"))

	// accepted issuers stay limited to the bundle
	v, err := p.Verifier()
	require.NoError(t, err)
	assert.Len(t, v.AcceptedIssuers(), 1)
}

func TestProvider_ConcurrentUse(t *testing.T) {
	pki := newTestPKI(t)
	p := NewProvider(Options{})

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 20; j++ {
				if cfg, err := p.Context(); err == nil {
					assert.NotNil(t, cfg)
					assert.NoError(t, p.VerifyServerChain(context.Background(), []*x509.Certificate{pki.server.Certificate}, "localhost"))
				}
			}
		}()
	}

	close(start)
	require.NoError(t, p.Initialize(context.Background(), BytesSource("ca", pki.bundlePEM())))
	wg.Wait()

	assert.Equal(t, StateReady, p.State())
}

func TestProvider_ConcurrentInitializeSucceedsOnce(t *testing.T) {
	pki := newTestPKI(t)
	p := NewProvider(Options{})

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- p.Initialize(context.Background(), BytesSource("ca", pki.bundlePEM()))
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyInitialized)
	}
	assert.Equal(t, 1, successes)
}

func TestProvider_TLSHandshake(t *testing.T) {
	pki := newTestPKI(t)

	newServer := func(cert *GeneratedCertificate) *httptest.Server {
		srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "ok")
		}))
		srv.TLS = &tls.Config{Certificates: []tls.Certificate{cert.TLSCertificate()}}
		srv.StartTLS()
		t.Cleanup(srv.Close)
		return srv
	}
	trusted := newServer(pki.server)
	untrusted := newServer(pki.untrusted)

	p, err := Load(context.Background(), BytesSource("ca", pki.bundlePEM()), Options{})
	require.NoError(t, err)
	cfg, err := p.Context()
	require.NoError(t, err)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg.Clone()}}
	t.Cleanup(client.CloseIdleConnections)

	resp, err := client.Get(trusted.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	_, err = client.Get(untrusted.URL)
	require.Error(t, err)
	var unknown x509.UnknownAuthorityError
	assert.ErrorAs(t, err, &unknown)
}

func TestProvider_AcceptedIssuersRoundTrip(t *testing.T) {
	pool := make([]*x509.Certificate, 5)
	for i := range pool {
		ca, err := GenerateCertificate(CertificateOptions{CommonName: "Round Trip CA", IsCA: true})
		require.NoError(t, err)
		pool[i] = ca.Certificate
	}

	rapid.Check(t, func(t *rapid.T) {
		indices := rapid.SliceOfN(rapid.IntRange(0, len(pool)-1), 1, 10).Draw(t, "indices")
		format := rapid.SampledFrom([]Format{FormatPEM, FormatDER, FormatPKCS12}).Draw(t, "format")

		certs := make([]*x509.Certificate, 0, len(indices))
		var expected []*x509.Certificate
		seen := map[int]bool{}
		for _, idx := range indices {
			certs = append(certs, pool[idx])
			if !seen[idx] {
				seen[idx] = true
				expected = append(expected, pool[idx])
			}
		}

		var data []byte
		switch format {
		case FormatPEM:
			data = EncodePEMBundle(certs)
		case FormatDER:
			data = EncodeDERBundle(certs)
		case FormatPKCS12:
			var err error
			data, err = EncodePKCS12TrustStore(expected, "secret")
			if err != nil {
				t.Fatalf("encode pkcs12: %v", err)
			}
		}

		p, err := Load(context.Background(), BytesSource("rapid", data), Options{Format: format, Password: "secret"})
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		v, err := p.Verifier()
		if err != nil {
			t.Fatalf("verifier: %v", err)
		}

		got := v.AcceptedIssuers()
		if len(got) != len(expected) {
			t.Fatalf("expected %d issuers, got %d", len(expected), len(got))
		}
		for i := range expected {
			if !got[i].Equal(expected[i]) {
				t.Fatalf("issuer %d differs", i)
			}
		}
	})
}
