package vault

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
)

type providerEntry struct {
	id    string
	cert  *x509.Certificate
	chain []*x509.Certificate
}

// Provider is a read view of a vault. Aliases are entry names; clashing
// names get the entry id appended.
type Provider struct {
	vault   *Vault
	aliases []string
	byAlias map[string]providerEntry
}

// Opener returns a keystore.Opener over the vault directory given as path,
// or DefaultDir when path is empty.
func Opener(logger zerolog.Logger) keystore.Opener {
	return func(_ context.Context, path string, _ keystore.PasswordSupplier) (keystore.Provider, error) {
		if path == "" {
			dir, err := DefaultDir()
			if err != nil {
				return nil, err
			}
			path = dir
		}
		v, err := New(path, logger)
		if err != nil {
			return nil, err
		}
		p, err := NewProvider(v)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// NewProvider snapshots the entries of v.
func NewProvider(v *Vault) (*Provider, error) {
	entries, err := v.Entries()
	if err != nil {
		return nil, err
	}
	p := &Provider{vault: v, byAlias: make(map[string]providerEntry)}
	for _, e := range entries {
		cert, err := e.Certificate()
		if err != nil {
			v.logger.Debug().Str("id", e.ID).Err(err).Msg("skipping vault entry with bad certificate")
			continue
		}
		alias := e.Name
		if _, dup := p.byAlias[alias]; dup {
			alias = fmt.Sprintf("%s [%s]", e.Name, e.ID[:8])
		}
		p.aliases = append(p.aliases, alias)
		p.byAlias[alias] = providerEntry{id: e.ID, cert: cert, chain: e.Chain()}
	}
	return p, nil
}

func (p *Provider) Aliases(context.Context) ([]string, error) {
	return append([]string(nil), p.aliases...), nil
}

func (p *Provider) Certificate(_ context.Context, alias string) (*x509.Certificate, error) {
	e, ok := p.byAlias[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", keystore.ErrNotFound, alias)
	}
	return e.cert, nil
}

// PrivateKeyEntry unseals the key of alias with the vault password from pw.
func (p *Provider) PrivateKeyEntry(ctx context.Context, alias string, pw keystore.PasswordSupplier) (*keystore.KeyEntry, error) {
	e, ok := p.byAlias[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", keystore.ErrNotFound, alias)
	}
	secret, err := pw.Password(ctx)
	if err != nil {
		return nil, err
	}
	defer keystore.Zero(secret)

	signer, err := p.vault.Unlock(e.id, secret)
	if err != nil {
		return nil, err
	}
	return &keystore.KeyEntry{
		Alias:       alias,
		Certificate: e.cert,
		Chain:       append([]*x509.Certificate{e.cert}, e.chain...),
		Signer:      signer,
	}, nil
}

func (p *Provider) Close() error { return nil }
