package trust

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"
)

// Expiry statuses reported by IssuerInfo.
const (
	ExpiryOK       = "OK"
	ExpiryWarning  = "WARNING"
	ExpiryCritical = "CRITICAL"
	ExpiryExpired  = "EXPIRED"
)

// IssuerInfo summarises one trusted certificate for operators.
type IssuerInfo struct {
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	SerialNumber       string    `json:"serial_number"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	SHA256Fingerprint  string    `json:"sha256_fingerprint"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	IsCA               bool      `json:"is_ca"`
	SelfSigned         bool      `json:"self_signed"`
	DaysUntilExpiry    int       `json:"days_until_expiry"`
	Status             string    `json:"status"`
}

// DescribeIssuers summarises certs as of now.
func DescribeIssuers(certs []*x509.Certificate, now time.Time) []IssuerInfo {
	infos := make([]IssuerInfo, 0, len(certs))
	for _, cert := range certs {
		fingerprint := sha256.Sum256(cert.Raw)
		days := int(cert.NotAfter.Sub(now).Hours() / 24)

		infos = append(infos, IssuerInfo{
			Subject:            cert.Subject.String(),
			Issuer:             cert.Issuer.String(),
			SerialNumber:       cert.SerialNumber.String(),
			NotBefore:          cert.NotBefore,
			NotAfter:           cert.NotAfter,
			SHA256Fingerprint:  hex.EncodeToString(fingerprint[:]),
			SignatureAlgorithm: cert.SignatureAlgorithm.String(),
			IsCA:               cert.IsCA,
			SelfSigned:         isSelfSigned(cert),
			DaysUntilExpiry:    days,
			Status:             expiryStatus(cert, now, days),
		})
	}
	return infos
}

func expiryStatus(cert *x509.Certificate, now time.Time, days int) string {
	switch {
	case now.After(cert.NotAfter):
		return ExpiryExpired
	case days <= 7:
		return ExpiryCritical
	case days <= 30:
		return ExpiryWarning
	default:
		return ExpiryOK
	}
}

// EarliestExpiry returns the soonest NotAfter among certs.
func EarliestExpiry(certs []*x509.Certificate) (time.Time, bool) {
	var earliest time.Time
	for i, cert := range certs {
		if i == 0 || cert.NotAfter.Before(earliest) {
			earliest = cert.NotAfter
		}
	}
	return earliest, len(certs) > 0
}

// ParseChainPEM decodes a leaf-first certificate chain.
func ParseChainPEM(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := data

	for {
		block, remaining := pem.Decode(rest)
		if block == nil {
			break
		}

		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			chain = append(chain, cert)
		}

		rest = remaining
		if len(rest) == 0 {
			break
		}
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("no valid certificates found")
	}
	return chain, nil
}
