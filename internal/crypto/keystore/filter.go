package keystore

import (
	"crypto/x509"
	"strings"
	"time"

	"github.com/vocdoni/gofirma/trisign/internal/certs"
)

// CertificateFilter is a named predicate over (alias, certificate) pairs.
type CertificateFilter interface {
	Name() string
	Accept(alias string, cert *x509.Certificate) bool
}

type funcFilter struct {
	name string
	fn   func(alias string, cert *x509.Certificate) bool
}

func (f funcFilter) Name() string { return f.name }

func (f funcFilter) Accept(alias string, cert *x509.Certificate) bool {
	return f.fn(alias, cert)
}

// FilterFunc builds a CertificateFilter from a function.
func FilterFunc(name string, fn func(alias string, cert *x509.Certificate) bool) CertificateFilter {
	return funcFilter{name: name, fn: fn}
}

// Candidate is an alias with its certificate.
type Candidate struct {
	Alias       string
	Certificate *x509.Certificate
}

// ApplyFilters keeps the candidates accepted by every filter. Filters run in
// order, each one over the set left by the previous ones.
func ApplyFilters(candidates []Candidate, filters []CertificateFilter) []Candidate {
	out := candidates
	for _, f := range filters {
		if f == nil {
			continue
		}
		kept := make([]Candidate, 0, len(out))
		for _, c := range out {
			if f.Accept(c.Alias, c.Certificate) {
				kept = append(kept, c)
			}
		}
		out = kept
	}
	return out
}

// ValidityFilter accepts certificates valid at the instant returned by now.
func ValidityFilter(now func() time.Time) CertificateFilter {
	if now == nil {
		now = time.Now
	}
	return FilterFunc("validity", func(_ string, cert *x509.Certificate) bool {
		t := now()
		return !t.Before(cert.NotBefore) && !t.After(cert.NotAfter)
	})
}

// SigningKeyUsageFilter accepts certificates usable for signatures: no key
// usage restriction, digitalSignature or nonRepudiation.
func SigningKeyUsageFilter() CertificateFilter {
	return FilterFunc("signing-key-usage", func(_ string, cert *x509.Certificate) bool {
		ku := cert.KeyUsage
		return ku == 0 || ku&x509.KeyUsageDigitalSignature != 0 || ku&x509.KeyUsageContentCommitment != 0
	})
}

// IssuerFilter accepts certificates whose issuer contains substr, ignoring case.
func IssuerFilter(substr string) CertificateFilter {
	needle := strings.ToUpper(substr)
	return FilterFunc("issuer", func(_ string, cert *x509.Certificate) bool {
		return strings.Contains(strings.ToUpper(cert.Issuer.String()), needle)
	})
}

// SubjectFilter accepts certificates whose subject contains substr, ignoring case.
func SubjectFilter(substr string) CertificateFilter {
	needle := strings.ToUpper(substr)
	return FilterFunc("subject", func(_ string, cert *x509.Certificate) bool {
		return strings.Contains(strings.ToUpper(cert.Subject.String()), needle)
	})
}

// FingerprintFilter accepts the certificate with the given SHA-256 fingerprint.
func FingerprintFilter(hexFingerprint string) CertificateFilter {
	want := strings.ToLower(strings.ReplaceAll(hexFingerprint, ":", ""))
	return FilterFunc("fingerprint", func(_ string, cert *x509.Certificate) bool {
		return certs.Fingerprint(cert) == want
	})
}

// HolderIDFilter accepts certificates issued to the given DNI/NIE/CIF.
func HolderIDFilter(id string) CertificateFilter {
	want := strings.ToUpper(strings.TrimSpace(id))
	return FilterFunc("holder-id", func(_ string, cert *x509.Certificate) bool {
		return certs.HolderID(cert) == want
	})
}

// AliasFilter accepts a single alias.
func AliasFilter(alias string) CertificateFilter {
	return FilterFunc("alias", func(a string, _ *x509.Certificate) bool {
		return a == alias
	})
}
