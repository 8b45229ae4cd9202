package trust

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	keystore "github.com/pavlo-v-chernykh/keystore-go/v4"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// DefaultTrustStorePassword matches the default used by Java keytool.
const DefaultTrustStorePassword = "changeit"

// CertificateOptions contains options for generating certificates
type CertificateOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	NotBefore    time.Time
	ValidFor     time.Duration
	IsCA         bool
	IsClientCert bool
	// KeyType is "ecdsa" (default) or "rsa".
	KeyType      string
	KeySize      int
	SerialNumber *big.Int
	// Parent signs the certificate; nil means self-signed.
	Parent *GeneratedCertificate
}

// GeneratedCertificate holds a certificate together with its key.
type GeneratedCertificate struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	CertPEM     []byte
	KeyPEM      []byte
}

// GenerateCertificate creates a certificate, self-signed unless opts.Parent is set.
func GenerateCertificate(opts CertificateOptions) (*GeneratedCertificate, error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Minute)
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}
	if opts.SerialNumber == nil {
		serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
		if err != nil {
			return nil, fmt.Errorf("failed to generate serial number: %w", err)
		}
		opts.SerialNumber = serial
	}

	privateKey, err := generateKey(opts.KeyType, opts.KeySize)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: opts.SerialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotBefore.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	switch {
	case opts.IsCA:
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		template.ExtKeyUsage = nil
	case opts.IsClientCert:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
			template.DNSNames = []string{"localhost"}
			template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
		}
	}
	if _, isRSA := privateKey.(*rsa.PrivateKey); isRSA && !opts.IsCA {
		template.KeyUsage |= x509.KeyUsageKeyEncipherment
	}

	parentCert := &template
	var parentKey crypto.Signer = privateKey
	if opts.Parent != nil {
		parentCert = opts.Parent.Certificate
		parentKey = opts.Parent.PrivateKey
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, parentCert, privateKey.Public(), parentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &GeneratedCertificate{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

func generateKey(keyType string, keySize int) (crypto.Signer, error) {
	switch keyType {
	case "", "ecdsa":
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		return key, nil
	case "rsa":
		if keySize == 0 {
			keySize = 2048
		}
		key, err := rsa.GenerateKey(rand.Reader, keySize)
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}

// TLSCertificate returns g as a tls.Certificate with intermediates appended.
func (g *GeneratedCertificate) TLSCertificate(intermediates ...*GeneratedCertificate) tls.Certificate {
	chain := [][]byte{g.Certificate.Raw}
	for _, inter := range intermediates {
		chain = append(chain, inter.Certificate.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  g.PrivateKey,
		Leaf:        g.Certificate,
	}
}

// EncodePEMBundle concatenates certs as PEM CERTIFICATE blocks.
func EncodePEMBundle(certs []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range certs {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}
	return buf.Bytes()
}

// EncodeDERBundle concatenates the DER encodings of certs.
func EncodeDERBundle(certs []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range certs {
		buf.Write(cert.Raw)
	}
	return buf.Bytes()
}

// EncodePKCS12TrustStore writes certs as a Java-compatible PKCS#12 trust store.
func EncodePKCS12TrustStore(certs []*x509.Certificate, password string) ([]byte, error) {
	data, err := pkcs12.Modern.EncodeTrustStore(certs, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12 trust store: %w", err)
	}
	return data, nil
}

// EncodeJKSTrustStore writes certs as trusted certificate entries of a Java
// KeyStore, aliased by position.
func EncodeJKSTrustStore(certs []*x509.Certificate, password string) ([]byte, error) {
	ks := keystore.New(keystore.WithOrderedAliases())
	for i, cert := range certs {
		entry := keystore.TrustedCertificateEntry{
			CreationTime: cert.NotBefore,
			Certificate:  keystore.Certificate{Type: "X509", Content: cert.Raw},
		}
		if err := ks.SetTrustedCertificateEntry(fmt.Sprintf("ca-%d", i), entry); err != nil {
			return nil, fmt.Errorf("failed to add JKS entry: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := ks.Store(&buf, []byte(password)); err != nil {
		return nil, fmt.Errorf("failed to encode JKS trust store: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteCertificateFiles writes certificate and key to files
func WriteCertificateFiles(certPEM, keyPEM []byte, certFile, keyFile string) error {
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}

	// Write key file with restricted permissions
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

// TestSuite lists the files written by GenerateTestSuite.
type TestSuite struct {
	Dir                 string
	CACert              string
	OtherCACert         string
	ServerCert          string
	ServerKey           string
	ClientCert          string
	ClientKey           string
	UntrustedServerCert string
	UntrustedServerKey  string
	BundlePEM           string
	BundleDER           string
	BundlePKCS12        string
	BundleJKS           string
}

// GenerateTestSuite writes a trusted CA, an unrelated CA, leaf certificates
// for each, and the trusted CA as PEM, DER, PKCS#12 and JKS bundles.
func GenerateTestSuite(baseDir string) (*TestSuite, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	suite := &TestSuite{
		Dir:                 baseDir,
		CACert:              filepath.Join(baseDir, "ca.crt"),
		OtherCACert:         filepath.Join(baseDir, "other-ca.crt"),
		ServerCert:          filepath.Join(baseDir, "server.crt"),
		ServerKey:           filepath.Join(baseDir, "server.key"),
		ClientCert:          filepath.Join(baseDir, "client.crt"),
		ClientKey:           filepath.Join(baseDir, "client.key"),
		UntrustedServerCert: filepath.Join(baseDir, "untrusted-server.crt"),
		UntrustedServerKey:  filepath.Join(baseDir, "untrusted-server.key"),
		BundlePEM:           filepath.Join(baseDir, "bundle.pem"),
		BundleDER:           filepath.Join(baseDir, "bundle.der"),
		BundlePKCS12:        filepath.Join(baseDir, "bundle.p12"),
		BundleJKS:           filepath.Join(baseDir, "bundle.jks"),
	}

	ca, err := GenerateCertificate(CertificateOptions{
		CommonName:   "Polis Test CA",
		Organization: []string{"Polis Test"},
		IsCA:         true,
		ValidFor:     10 * 365 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA certificate: %w", err)
	}
	if err := WriteCertificateFiles(ca.CertPEM, ca.KeyPEM, suite.CACert, filepath.Join(baseDir, "ca.key")); err != nil {
		return nil, err
	}

	otherCA, err := GenerateCertificate(CertificateOptions{
		CommonName:   "Untrusted Test CA",
		Organization: []string{"Elsewhere"},
		IsCA:         true,
		ValidFor:     10 * 365 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate untrusted CA certificate: %w", err)
	}
	if err := WriteCertificateFiles(otherCA.CertPEM, otherCA.KeyPEM, suite.OtherCACert, filepath.Join(baseDir, "other-ca.key")); err != nil {
		return nil, err
	}

	leaves := []struct {
		opts     CertificateOptions
		certFile string
		keyFile  string
	}{
		{CertificateOptions{CommonName: "localhost", Parent: ca}, suite.ServerCert, suite.ServerKey},
		{CertificateOptions{CommonName: "Polis Test Client", IsClientCert: true, Parent: ca}, suite.ClientCert, suite.ClientKey},
		{CertificateOptions{CommonName: "localhost", Parent: otherCA}, suite.UntrustedServerCert, suite.UntrustedServerKey},
	}
	for _, leaf := range leaves {
		generated, err := GenerateCertificate(leaf.opts)
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s: %w", filepath.Base(leaf.certFile), err)
		}
		if err := WriteCertificateFiles(generated.CertPEM, generated.KeyPEM, leaf.certFile, leaf.keyFile); err != nil {
			return nil, err
		}
	}

	trusted := []*x509.Certificate{ca.Certificate}
	if err := os.WriteFile(suite.BundlePEM, EncodePEMBundle(trusted), 0644); err != nil {
		return nil, fmt.Errorf("failed to write PEM bundle: %w", err)
	}
	if err := os.WriteFile(suite.BundleDER, EncodeDERBundle(trusted), 0644); err != nil {
		return nil, fmt.Errorf("failed to write DER bundle: %w", err)
	}
	p12, err := EncodePKCS12TrustStore(trusted, DefaultTrustStorePassword)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(suite.BundlePKCS12, p12, 0644); err != nil {
		return nil, fmt.Errorf("failed to write PKCS#12 bundle: %w", err)
	}
	jks, err := EncodeJKSTrustStore(trusted, DefaultTrustStorePassword)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(suite.BundleJKS, jks, 0644); err != nil {
		return nil, fmt.Errorf("failed to write JKS bundle: %w", err)
	}

	return suite, nil
}
