package trust

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testPKI struct {
	ca               *GeneratedCertificate
	otherCA          *GeneratedCertificate
	intermediate     *GeneratedCertificate
	server           *GeneratedCertificate
	client           *GeneratedCertificate
	intermediateLeaf *GeneratedCertificate
	untrusted        *GeneratedCertificate
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	ca, err := GenerateCertificate(CertificateOptions{CommonName: "Test Root CA", IsCA: true})
	require.NoError(t, err)
	otherCA, err := GenerateCertificate(CertificateOptions{CommonName: "Other Root CA", IsCA: true})
	require.NoError(t, err)
	intermediate, err := GenerateCertificate(CertificateOptions{CommonName: "Test Intermediate CA", IsCA: true, Parent: ca})
	require.NoError(t, err)

	server, err := GenerateCertificate(CertificateOptions{CommonName: "localhost", Parent: ca})
	require.NoError(t, err)
	client, err := GenerateCertificate(CertificateOptions{CommonName: "client", IsClientCert: true, Parent: ca})
	require.NoError(t, err)
	intermediateLeaf, err := GenerateCertificate(CertificateOptions{
		CommonName: "api.internal.test",
		DNSNames:   []string{"api.internal.test"},
		Parent:     intermediate,
	})
	require.NoError(t, err)
	untrusted, err := GenerateCertificate(CertificateOptions{CommonName: "localhost", Parent: otherCA})
	require.NoError(t, err)

	return &testPKI{
		ca:               ca,
		otherCA:          otherCA,
		intermediate:     intermediate,
		server:           server,
		client:           client,
		intermediateLeaf: intermediateLeaf,
		untrusted:        untrusted,
	}
}

func (p *testPKI) bundlePEM() []byte {
	return EncodePEMBundle([]*x509.Certificate{p.ca.Certificate})
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}
