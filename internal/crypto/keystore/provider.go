package keystore

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an alias has no certificate or key.
	ErrNotFound = errors.New("keystore entry not found")
	// ErrCancelled is returned when the user aborts an interactive step.
	ErrCancelled = errors.New("operation cancelled by user")
	// ErrBackendUnavailable is returned by openers that cannot serve the
	// requested backend on this platform or build.
	ErrBackendUnavailable = errors.New("keystore backend unavailable")
	// ErrNoPrivateKey is returned when an alias only holds a certificate.
	ErrNoPrivateKey = errors.New("entry has no private key")
)

// AlternativeError reports that the requested backend cannot be used but a
// different one can.
type AlternativeError struct {
	Requested   Backend
	Alternative Backend
	Err         error
}

func (e *AlternativeError) Error() string {
	return fmt.Sprintf("keystore %s unavailable, %s can be used instead: %v", e.Requested, e.Alternative, e.Err)
}

func (e *AlternativeError) Unwrap() error {
	return e.Err
}

// KeyEntry is a private key handle together with its certificate chain.
// Chain[0] is the signing certificate when the chain is not empty.
type KeyEntry struct {
	Alias       string
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Signer      crypto.Signer
}

// CertificateChain returns the chain starting at the signing certificate.
func (e *KeyEntry) CertificateChain() []*x509.Certificate {
	if e == nil || e.Certificate == nil {
		return nil
	}
	if len(e.Chain) > 0 && e.Chain[0].Equal(e.Certificate) {
		return e.Chain
	}
	return append([]*x509.Certificate{e.Certificate}, e.Chain...)
}

// Provider is an opened keystore.
type Provider interface {
	Aliases(ctx context.Context) ([]string, error)
	Certificate(ctx context.Context, alias string) (*x509.Certificate, error)
	PrivateKeyEntry(ctx context.Context, alias string, pw PasswordSupplier) (*KeyEntry, error)
	Close() error
}

// Factory opens providers.
type Factory interface {
	Open(ctx context.Context, backend Backend, path string, pw PasswordSupplier) (Provider, error)
}
