//go:build (darwin || windows) && cgo

// Package osstore exposes the Windows certificate store and the macOS
// keychain as keystore providers.
package osstore

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/github/smimesign/certstore"
	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/certs"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
)

type identity struct {
	alias string
	cert  *x509.Certificate
	ident certstore.Identity
}

// Provider holds the identities of the platform store. The platform prompts
// for any key password itself, so suppliers are not consulted.
type Provider struct {
	store      certstore.Store
	identities []*identity
	logger     zerolog.Logger
}

// Opener returns a keystore.Opener for the platform store. The path is ignored.
func Opener(logger zerolog.Logger) keystore.Opener {
	return func(context.Context, string, keystore.PasswordSupplier) (keystore.Provider, error) {
		st, err := certstore.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open system store: %v", keystore.ErrBackendUnavailable, err)
		}
		idents, err := st.Identities()
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("list system identities: %w", err)
		}

		p := &Provider{store: st, logger: logger}
		used := make(map[string]bool)
		for _, id := range idents {
			cert, err := id.Certificate()
			if err != nil || cert == nil {
				id.Close()
				continue
			}
			alias := strings.TrimSpace(cert.Subject.CommonName)
			if alias == "" || used[alias] {
				alias = certs.Fingerprint(cert)
			}
			used[alias] = true
			p.identities = append(p.identities, &identity{alias: alias, cert: cert, ident: id})
		}
		logger.Debug().Int("identities", len(p.identities)).Msg("system store opened")
		return p, nil
	}
}

func (p *Provider) lookup(alias string) (*identity, error) {
	for _, id := range p.identities {
		if id.alias == alias {
			return id, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", keystore.ErrNotFound, alias)
}

func (p *Provider) Aliases(context.Context) ([]string, error) {
	out := make([]string, 0, len(p.identities))
	for _, id := range p.identities {
		out = append(out, id.alias)
	}
	return out, nil
}

func (p *Provider) Certificate(_ context.Context, alias string) (*x509.Certificate, error) {
	id, err := p.lookup(alias)
	if err != nil {
		return nil, err
	}
	return id.cert, nil
}

func (p *Provider) PrivateKeyEntry(_ context.Context, alias string, _ keystore.PasswordSupplier) (*keystore.KeyEntry, error) {
	id, err := p.lookup(alias)
	if err != nil {
		return nil, err
	}
	signer, err := id.ident.Signer()
	if err != nil {
		return nil, fmt.Errorf("system store signer: %w", err)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: %s", keystore.ErrNoPrivateKey, alias)
	}
	chain, err := id.ident.CertificateChain()
	if err != nil || len(chain) == 0 {
		p.logger.Debug().Err(err).Str("alias", alias).Msg("system store chain unavailable, using leaf only")
		chain = []*x509.Certificate{id.cert}
	}
	return &keystore.KeyEntry{Alias: alias, Certificate: id.cert, Chain: chain, Signer: signer}, nil
}

func (p *Provider) Close() error {
	for _, id := range p.identities {
		id.ident.Close()
	}
	p.identities = nil
	if p.store != nil {
		p.store.Close()
		p.store = nil
	}
	return nil
}
