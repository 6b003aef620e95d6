package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

var oidSerialNumber = asn1.ObjectIdentifier{2, 5, 4, 5}

var (
	reDNI = regexp.MustCompile(`\b\d{8}[A-Z]\b`)
	reNIE = regexp.MustCompile(`\b[XYZ]\d{7}[A-Z]\b`)
	reCIF = regexp.MustCompile(`\b[ABCDEFGHJNPQRSUVW]\d{7}[0-9A-J]\b`)
)

// Info is the display metadata of a signing certificate.
type Info struct {
	CommonName   string
	HolderID     string
	Organization string
	Issuer       string
	NotBefore    time.Time
	NotAfter     time.Time
	Fingerprint  string
}

// Expired reports whether the certificate is outside its validity window at t.
func (i Info) Expired(t time.Time) bool {
	return t.After(i.NotAfter) || t.Before(i.NotBefore)
}

// Describe extracts display metadata from cert.
func Describe(cert *x509.Certificate) Info {
	info := Info{
		CommonName:  normalizeSpace(cert.Subject.CommonName),
		HolderID:    HolderID(cert),
		Issuer:      normalizeSpace(cert.Issuer.CommonName),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Fingerprint: Fingerprint(cert),
	}
	if len(cert.Subject.Organization) > 0 {
		info.Organization = normalizeSpace(cert.Subject.Organization[0])
	}
	if info.CommonName == "" {
		info.CommonName = cert.Subject.String()
	}
	return info
}

// Fingerprint returns the hex SHA-256 fingerprint of the certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// HolderID returns the Spanish personal or legal-entity identifier carried by
// the certificate subject (serialNumber first, then the common name), or "".
func HolderID(cert *x509.Certificate) string {
	for _, name := range cert.Subject.Names {
		if !name.Type.Equal(oidSerialNumber) {
			continue
		}
		if val, ok := name.Value.(string); ok {
			if id := extractID(val); id != "" {
				return id
			}
		}
	}
	return extractID(cert.Subject.CommonName)
}

func extractID(s string) string {
	v := strings.ToUpper(normalizeSpace(s))
	v = strings.TrimPrefix(v, "IDCES-")
	v = strings.TrimPrefix(v, "IDESP-")
	v = strings.TrimPrefix(v, "VATES-")
	for _, re := range []*regexp.Regexp{reDNI, reNIE, reCIF} {
		if m := re.FindString(v); m != "" {
			return m
		}
	}
	return ""
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
