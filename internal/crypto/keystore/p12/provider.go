// Package p12 exposes a PKCS#12 file as a keystore provider.
package p12

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/vocdoni/gofirma/trisign/internal/certs"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
)

// Provider holds one decoded identity. A PKCS#12 file protects its key with
// the store password, so the key is available once the store is open.
type Provider struct {
	alias    string
	identity *Identity
}

// Open reads and decodes the file at path, asking pw for the store password.
// It matches keystore.Opener.
func Open(ctx context.Context, path string, pw keystore.PasswordSupplier) (keystore.Provider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("pkcs12: a file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pkcs12: %w", err)
	}
	secret, err := pw.Password(ctx)
	if err != nil {
		return nil, err
	}
	defer keystore.Zero(secret)

	p, err := Load(data, string(secret))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Load decodes an in-memory PKCS#12 file.
func Load(data []byte, password string) (*Provider, error) {
	id, err := Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("pkcs12: %w", err)
	}
	return &Provider{alias: Alias(id.Certificate), identity: id}, nil
}

// Alias names a certificate inside a store: its common name, or its
// fingerprint when it has none.
func Alias(cert *x509.Certificate) string {
	if cn := strings.TrimSpace(cert.Subject.CommonName); cn != "" {
		return cn
	}
	return certs.Fingerprint(cert)
}

func (p *Provider) Aliases(context.Context) ([]string, error) {
	if p.identity == nil {
		return nil, nil
	}
	return []string{p.alias}, nil
}

func (p *Provider) Certificate(_ context.Context, alias string) (*x509.Certificate, error) {
	if p.identity == nil || alias != p.alias {
		return nil, fmt.Errorf("%w: %s", keystore.ErrNotFound, alias)
	}
	return p.identity.Certificate, nil
}

func (p *Provider) PrivateKeyEntry(_ context.Context, alias string, _ keystore.PasswordSupplier) (*keystore.KeyEntry, error) {
	if p.identity == nil || alias != p.alias {
		return nil, fmt.Errorf("%w: %s", keystore.ErrNotFound, alias)
	}
	return &keystore.KeyEntry{
		Alias:       alias,
		Certificate: p.identity.Certificate,
		Chain:       append([]*x509.Certificate{p.identity.Certificate}, p.identity.CACerts...),
		Signer:      p.identity.Signer,
	}, nil
}

func (p *Provider) Close() error {
	p.identity = nil
	return nil
}
