package p12

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	gopkcs12 "software.sslmate.com/src/go-pkcs12"
)

var (
	ErrPasswordRequired = errors.New("certificate password required")
	ErrWrongPassword    = errors.New("certificate password incorrect")
	ErrInvalidFile      = errors.New("invalid certificate file")
	ErrUnsupported      = errors.New("unsupported certificate format")
)

// Identity is the decoded content of a PKCS#12 file.
type Identity struct {
	Signer      crypto.Signer
	Certificate *x509.Certificate
	CACerts     []*x509.Certificate
}

type decodeFunc func(pfx []byte, password string) (any, *x509.Certificate, []*x509.Certificate, error)

// Decode parses a PKCS#12 identity. A file exported without password is
// also accepted when a password was given.
func Decode(data []byte, password string) (*Identity, error) {
	return decodeWith(gopkcs12.DecodeChain, data, password)
}

func decodeWith(decode decodeFunc, data []byte, password string) (*Identity, error) {
	passwords := []string{password}
	if password != "" {
		passwords = append(passwords, "")
	}

	var wrongPassword bool
	var otherErr error
	for _, pw := range passwords {
		priv, cert, ca, err := decode(data, pw)
		if err == nil {
			signer, ok := priv.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("%w: private key cannot sign", ErrUnsupported)
			}
			return &Identity{Signer: signer, Certificate: cert, CACerts: ca}, nil
		}
		if isIncorrectPassword(err) {
			wrongPassword = true
		} else if otherErr == nil {
			otherErr = err
		}
	}

	switch {
	case otherErr != nil && looksInvalid(otherErr):
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, otherErr)
	case otherErr != nil:
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, otherErr)
	case wrongPassword && strings.TrimSpace(password) == "":
		return nil, ErrPasswordRequired
	default:
		return nil, ErrWrongPassword
	}
}

// Message returns a user facing text for a decode error.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrPasswordRequired):
		return "This certificate requires a password."
	case errors.Is(err, ErrWrongPassword):
		return "The certificate password is incorrect."
	case errors.Is(err, ErrInvalidFile):
		return "The file is not a valid .p12/.pfx certificate or is corrupted."
	case errors.Is(err, ErrUnsupported):
		return "The certificate uses an unsupported format or key type."
	}
	return "The certificate could not be read."
}

func isIncorrectPassword(err error) bool {
	if errors.Is(err, gopkcs12.ErrIncorrectPassword) || errors.Is(err, gopkcs12.ErrDecryption) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "decryption password incorrect")
}

func looksInvalid(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"not der", "syntax error", "trailing data", "certificate missing", "private key missing", "error reading p12 data"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
