// Package pkcs1 applies raw RSA PKCS#1 v1.5 signatures through a
// crypto.Signer, which may live in a file, a platform store or a token.
package pkcs1

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrNotRSA               = errors.New("signing key is not RSA")
)

var hashes = map[string]crypto.Hash{
	"SHA1":   crypto.SHA1,
	"SHA224": crypto.SHA224,
	"SHA256": crypto.SHA256,
	"SHA384": crypto.SHA384,
	"SHA512": crypto.SHA512,
}

// HashFor maps an algorithm name such as SHA256withRSA to its digest.
func HashFor(algorithm string) (crypto.Hash, error) {
	name, ok := strings.CutSuffix(strings.ToUpper(algorithm), "WITHRSA")
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
	h, ok := hashes[strings.ReplaceAll(name, "-", "")]
	if !ok || !h.Available() {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
	return h, nil
}

// Signer signs pre-signature blobs. The blob is hashed with the digest named
// by the algorithm and the key applies PKCS#1 v1.5 padding.
type Signer struct{}

func (Signer) Sign(data []byte, algorithm string, key crypto.Signer, _ []*x509.Certificate) ([]byte, error) {
	if key == nil {
		return nil, errors.New("nil signing key")
	}
	if _, ok := key.Public().(*rsa.PublicKey); !ok {
		return nil, ErrNotRSA
	}
	h, err := HashFor(algorithm)
	if err != nil {
		return nil, err
	}
	hasher := h.New()
	hasher.Write(data)
	sig, err := key.Sign(rand.Reader, hasher.Sum(nil), h)
	if err != nil {
		return nil, fmt.Errorf("pkcs1 sign: %w", err)
	}
	return sig, nil
}
