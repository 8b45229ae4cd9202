package trust

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	keystore "github.com/pavlo-v-chernykh/keystore-go/v4"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Format identifies the container encoding of a trust bundle.
type Format string

const (
	FormatAuto   Format = "auto"
	FormatPEM    Format = "pem"
	FormatDER    Format = "der"
	FormatPKCS12 Format = "pkcs12"
	FormatJKS    Format = "jks"
)

// jksMagic opens every Java KeyStore file.
var jksMagic = []byte{0xFE, 0xED, 0xFE, 0xED}

// ParseFormat normalises a user supplied format name. The empty string means auto.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatAuto:
		return FormatAuto, nil
	case FormatPEM:
		return FormatPEM, nil
	case FormatDER, "cer", "crt":
		return FormatDER, nil
	case FormatPKCS12, "p12", "pfx":
		return FormatPKCS12, nil
	case FormatJKS, "keystore":
		return FormatJKS, nil
	default:
		return "", fmt.Errorf("unsupported bundle format %q", value)
	}
}

// Source delivers the raw bytes of a trust bundle. Open is called exactly once
// per load and the returned reader is always closed by the caller.
type Source interface {
	Name() string
	Open() (io.ReadCloser, error)
}

type fileSource struct {
	path string
}

// FileSource reads the bundle from an absolute filesystem path.
func FileSource(path string) Source {
	return fileSource{path: path}
}

func (s fileSource) Name() string { return s.path }

// Path returns the cleaned filesystem path of the bundle.
func (s fileSource) Path() string { return filepath.Clean(s.path) }

func (s fileSource) Open() (io.ReadCloser, error) {
	if strings.TrimSpace(s.path) == "" {
		return nil, fs.ErrNotExist
	}
	cleanPath := filepath.Clean(s.path)
	if !filepath.IsAbs(cleanPath) {
		return nil, NewInvalidArgumentError("bundle path", "path must be absolute").
			WithContext("path", s.path)
	}
	// #nosec G304 -- bundle path comes from operator configuration
	return os.Open(cleanPath)
}

type embeddedSource struct {
	fsys fs.FS
	name string
}

// EmbeddedSource reads the bundle from a filesystem compiled into the binary,
// typically an embed.FS.
func EmbeddedSource(fsys fs.FS, name string) Source {
	return embeddedSource{fsys: fsys, name: name}
}

func (s embeddedSource) Name() string { return "embedded:" + s.name }

func (s embeddedSource) Open() (io.ReadCloser, error) {
	if s.fsys == nil {
		return nil, fs.ErrNotExist
	}
	return s.fsys.Open(s.name)
}

type readerSource struct {
	name string
	r    io.Reader
}

// ReaderSource wraps an arbitrary stream. If r is also an io.Closer it is
// closed after loading.
func ReaderSource(name string, r io.Reader) Source {
	return readerSource{name: name, r: r}
}

func (s readerSource) Name() string { return s.name }

func (s readerSource) Open() (io.ReadCloser, error) {
	if s.r == nil {
		return nil, fs.ErrNotExist
	}
	if rc, ok := s.r.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(s.r), nil
}

// BytesSource serves inline bundle data, for example from configuration.
func BytesSource(name string, data []byte) Source {
	return readerSource{name: name, r: bytes.NewReader(data)}
}

// PathOf returns the filesystem path behind src, if it has one.
func PathOf(src Source) (string, bool) {
	if s, ok := src.(fileSource); ok {
		return s.Path(), true
	}
	return "", false
}

// LoadOptions controls how bundle bytes are decoded.
type LoadOptions struct {
	Format   Format
	Password string
	// SHA256 optionally pins the raw bundle bytes ("sha256:" prefix allowed).
	SHA256 string
}

// Bundle is an immutable set of trusted CA certificates.
type Bundle struct {
	name    string
	format  Format
	digest  string
	certs   []*x509.Certificate
	skipped int
}

// Name returns the source name the bundle was loaded from.
func (b *Bundle) Name() string { return b.name }

// Format returns the resolved container format.
func (b *Bundle) Format() Format { return b.format }

// SHA256 returns the hex digest of the raw bundle bytes.
func (b *Bundle) SHA256() string { return b.digest }

// Len returns the number of trusted certificates.
func (b *Bundle) Len() int { return len(b.certs) }

// Skipped returns how many non-CA certificates were dropped while loading.
func (b *Bundle) Skipped() int { return b.skipped }

// Certificates returns the trusted certificates in bundle order.
func (b *Bundle) Certificates() []*x509.Certificate {
	return append([]*x509.Certificate(nil), b.certs...)
}

// Pool returns a new pool holding base's certificates plus the bundle's.
// A nil base yields a pool with only the bundle.
func (b *Bundle) Pool(base *x509.CertPool) *x509.CertPool {
	pool := x509.NewCertPool()
	if base != nil {
		pool = base.Clone()
	}
	for _, cert := range b.certs {
		pool.AddCert(cert)
	}
	return pool
}

// LoadBundle reads src once and decodes it into a Bundle. The stream returned
// by src is closed on every path.
func LoadBundle(src Source, opts LoadOptions) (*Bundle, error) {
	if src == nil {
		return nil, NewInvalidArgumentError("bundle source", "source is nil")
	}

	data, err := readSource(src)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(data)
	actual := hex.EncodeToString(digest[:])
	if err := verifyChecksum(src.Name(), opts.SHA256, actual); err != nil {
		return nil, err
	}

	format := opts.Format
	if format == "" {
		format = FormatAuto
	}

	certs, resolved, err := decodeCertificates(data, format, opts.Password)
	if err != nil {
		var trustErr *TrustError
		if errors.As(err, &trustErr) {
			return nil, trustErr.WithContext("source", src.Name())
		}
		return nil, NewBundleLoadError(src.Name(), err).WithContext("format", string(format))
	}

	trusted, skipped := selectAnchors(certs)
	if len(trusted) == 0 {
		return nil, NewStoreInitError(src.Name(), "bundle contains no CA certificates", nil).
			WithContext("format", string(resolved)).
			WithContext("skipped", skipped)
	}

	return &Bundle{
		name:    src.Name(),
		format:  resolved,
		digest:  actual,
		certs:   trusted,
		skipped: skipped,
	}, nil
}

func readSource(src Source) (data []byte, err error) {
	rc, err := src.Open()
	if err != nil {
		var trustErr *TrustError
		if errors.As(err, &trustErr) {
			return nil, trustErr
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewInvalidArgumentError("bundle source", "source does not exist").
				WithContext("source", src.Name())
		}
		return nil, NewBundleLoadError(src.Name(), err)
	}
	if rc == nil {
		return nil, NewInvalidArgumentError("bundle source", "source returned no stream").
			WithContext("source", src.Name())
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil && err == nil {
			err = NewBundleLoadError(src.Name(), fmt.Errorf("close: %w", closeErr))
		}
	}()

	data, err = io.ReadAll(rc)
	if err != nil {
		return nil, NewBundleLoadError(src.Name(), fmt.Errorf("read: %w", err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, NewInvalidArgumentError("bundle source", "source is empty").
			WithContext("source", src.Name())
	}
	return data, nil
}

func verifyChecksum(name, pin, actual string) error {
	if strings.TrimSpace(pin) == "" {
		return nil
	}

	expected := strings.TrimSpace(strings.ToLower(pin))
	expected = strings.TrimPrefix(expected, "sha256:")
	if actual != expected {
		return NewStoreInitError(name, "checksum mismatch", nil).
			WithContext("expected_sha256", expected).
			WithContext("actual_sha256", actual)
	}
	return nil
}

func decodeCertificates(data []byte, format Format, password string) ([]*x509.Certificate, Format, error) {
	switch format {
	case FormatPEM:
		certs, err := decodePEM(data)
		return certs, FormatPEM, err
	case FormatDER:
		certs, err := x509.ParseCertificates(data)
		if err == nil && len(certs) == 0 {
			err = errors.New("no DER certificates found")
		}
		return certs, FormatDER, err
	case FormatPKCS12:
		certs, err := decodePKCS12(data, password)
		return certs, FormatPKCS12, err
	case FormatJKS:
		certs, err := decodeJKS(data, password)
		return certs, FormatJKS, err
	case FormatAuto:
		if bytes.Contains(data, []byte("-----BEGIN")) {
			certs, err := decodePEM(data)
			return certs, FormatPEM, err
		}
		if bytes.HasPrefix(data, jksMagic) {
			certs, err := decodeJKS(data, password)
			return certs, FormatJKS, err
		}
		certs, derErr := x509.ParseCertificates(data)
		if derErr == nil && len(certs) > 0 {
			return certs, FormatDER, nil
		}
		certs, p12Err := decodePKCS12(data, password)
		if p12Err == nil {
			return certs, FormatPKCS12, nil
		}
		return nil, FormatAuto, errors.Join(
			fmt.Errorf("der: %w", derErr),
			fmt.Errorf("pkcs12: %w", p12Err),
		)
	default:
		return nil, format, NewAlgorithmUnavailableError(fmt.Sprintf("bundle format %q", format), nil)
	}
}

// decodePKCS12 accepts Java trust stores first, then key stores holding one
// key entry with its chain, then any store whose certificate bags can be
// listed. Leaf certificates are dropped later by selectAnchors.
func decodePKCS12(data []byte, password string) ([]*x509.Certificate, error) {
	certs, storeErr := pkcs12.DecodeTrustStore(data, password)
	if storeErr == nil {
		return certs, nil
	}
	if errors.Is(storeErr, pkcs12.ErrIncorrectPassword) {
		return nil, storeErr
	}

	_, leaf, caCerts, chainErr := pkcs12.DecodeChain(data, password)
	if chainErr == nil {
		return append([]*x509.Certificate{leaf}, caCerts...), nil
	}

	//nolint:staticcheck // ToPEM is the only API that lists every certificate bag.
	blocks, pemErr := pkcs12.ToPEM(data, password)
	if pemErr == nil {
		for _, block := range blocks {
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate bag: %w", err)
			}
			certs = append(certs, cert)
		}
		if len(certs) > 0 {
			return certs, nil
		}
		pemErr = errors.New("no certificate bags found")
	}

	return nil, errors.Join(storeErr, chainErr, pemErr)
}

// decodeJKS reads the trusted certificate entries of a Java KeyStore and the
// chains of its private key entries.
func decodeJKS(data []byte, password string) ([]*x509.Certificate, error) {
	ks := keystore.New(keystore.WithOrderedAliases())
	if err := ks.Load(bytes.NewReader(data), []byte(password)); err != nil {
		return nil, fmt.Errorf("jks: %w", err)
	}

	var certs []*x509.Certificate
	for _, alias := range ks.Aliases() {
		var entries []keystore.Certificate
		switch {
		case ks.IsTrustedCertificateEntry(alias):
			entry, err := ks.GetTrustedCertificateEntry(alias)
			if err != nil {
				return nil, fmt.Errorf("jks entry %q: %w", alias, err)
			}
			entries = []keystore.Certificate{entry.Certificate}
		case ks.IsPrivateKeyEntry(alias):
			chain, err := ks.GetPrivateKeyEntryCertificateChain(alias)
			if err != nil {
				return nil, fmt.Errorf("jks entry %q: %w", alias, err)
			}
			entries = chain
		}

		for _, entry := range entries {
			if entry.Type != "X509" && entry.Type != "X.509" {
				continue
			}
			cert, err := x509.ParseCertificate(entry.Content)
			if err != nil {
				return nil, fmt.Errorf("jks entry %q: %w", alias, err)
			}
			certs = append(certs, cert)
		}
	}

	if len(certs) == 0 {
		return nil, errors.New("jks: no X.509 certificate entries")
	}
	return certs, nil
}

func decodePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	blocks := 0

	rest := data
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks++

		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %d: %w", blocks, err)
		}
		certs = append(certs, cert)
	}

	if blocks == 0 {
		return nil, errors.New("no PEM blocks found")
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("none of %d PEM blocks is a CERTIFICATE", blocks)
	}
	return certs, nil
}

// selectAnchors keeps CA certificates and self-signed roots, deduplicated by
// their raw encoding, and counts everything else as skipped.
func selectAnchors(certs []*x509.Certificate) ([]*x509.Certificate, int) {
	seen := make(map[string]struct{}, len(certs))
	trusted := make([]*x509.Certificate, 0, len(certs))
	skipped := 0

	for _, cert := range certs {
		if !cert.IsCA && !isSelfSigned(cert) {
			skipped++
			continue
		}
		key := string(cert.Raw)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		trusted = append(trusted, cert)
	}
	return trusted, skipped
}

func isSelfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawSubject, cert.RawIssuer) {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}
