package trust

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribeIssuers(t *testing.T) {
	pki := newTestPKI(t)
	ca := pki.ca.Certificate

	tests := []struct {
		name   string
		now    time.Time
		status string
	}{
		{"fresh", ca.NotBefore.Add(time.Hour), ExpiryOK},
		{"within a month", ca.NotAfter.Add(-20 * 24 * time.Hour), ExpiryWarning},
		{"within a week", ca.NotAfter.Add(-3 * 24 * time.Hour), ExpiryCritical},
		{"expired", ca.NotAfter.Add(time.Hour), ExpiryExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			infos := DescribeIssuers([]*x509.Certificate{ca}, tt.now)
			require.Len(t, infos, 1)
			assert.Equal(t, tt.status, infos[0].Status)
			assert.True(t, infos[0].IsCA)
			assert.True(t, infos[0].SelfSigned)
			assert.Equal(t, "CN=Test Root CA", infos[0].Subject)
			assert.Len(t, infos[0].SHA256Fingerprint, 64)
		})
	}
}

func TestDescribeIssuers_IntermediateIsNotSelfSigned(t *testing.T) {
	pki := newTestPKI(t)
	infos := DescribeIssuers([]*x509.Certificate{pki.intermediate.Certificate}, time.Now())
	require.Len(t, infos, 1)
	assert.False(t, infos[0].SelfSigned)
	assert.Equal(t, "CN=Test Root CA", infos[0].Issuer)
}

func TestEarliestExpiry(t *testing.T) {
	_, ok := EarliestExpiry(nil)
	assert.False(t, ok)

	short, err := GenerateCertificate(CertificateOptions{CommonName: "short", IsCA: true, ValidFor: 24 * time.Hour})
	require.NoError(t, err)
	long, err := GenerateCertificate(CertificateOptions{CommonName: "long", IsCA: true, ValidFor: 48 * time.Hour})
	require.NoError(t, err)

	earliest, ok := EarliestExpiry([]*x509.Certificate{long.Certificate, short.Certificate})
	assert.True(t, ok)
	assert.Equal(t, short.Certificate.NotAfter, earliest)
}

func TestParseChainPEM(t *testing.T) {
	pki := newTestPKI(t)

	data := append([]byte{}, pki.intermediateLeaf.CertPEM...)
	data = append(data, pki.intermediate.CertPEM...)

	chain, err := ParseChainPEM(data)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.True(t, chain[0].Equal(pki.intermediateLeaf.Certificate))

	_, err = ParseChainPEM([]byte("nothing here"))
	assert.Error(t, err)
	_, err = ParseChainPEM(pki.server.KeyPEM)
	assert.Error(t, err)
}
