// Package vault is a local wallet of imported identities. Certificates are
// kept in clear, private keys are sealed with a vault password.
package vault

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/certs"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore/p12"
)

// ErrDuplicate is returned when importing a certificate already in the vault.
var ErrDuplicate = errors.New("certificate already in vault")

const (
	metaExt = ".json"
	keyExt  = ".key.enc"
)

// Entry describes a stored identity.
type Entry struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CertPEM     string    `json:"certPem"`
	ChainPEM    []string  `json:"chainPem,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Imported    time.Time `json:"imported"`
}

// Certificate parses the stored certificate.
func (e *Entry) Certificate() (*x509.Certificate, error) {
	return parsePEM(e.CertPEM)
}

// Chain parses the stored CA certificates. Unparseable entries are skipped.
func (e *Entry) Chain() []*x509.Certificate {
	var out []*x509.Certificate
	for _, s := range e.ChainPEM {
		if c, err := parsePEM(s); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Vault is a directory of entries.
type Vault struct {
	mu     sync.Mutex
	dir    string
	logger zerolog.Logger
}

// DefaultDir returns the per-user vault location.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "trisign", "vault"), nil
}

// New opens the vault at dir, creating it if needed.
func New(dir string, logger zerolog.Logger) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	return &Vault{dir: dir, logger: logger}, nil
}

// Entries lists the stored identities sorted by name.
func (v *Vault) Entries() ([]*Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entries()
}

func (v *Vault) entries() ([]*Entry, error) {
	files, err := os.ReadDir(v.dir)
	if err != nil {
		return nil, fmt.Errorf("read vault dir: %w", err)
	}
	var out []*Entry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != metaExt {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(v.dir, f.Name()))
		if err != nil {
			v.logger.Debug().Err(err).Str("file", f.Name()).Msg("skipping unreadable vault entry")
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || e.ID == "" {
			v.logger.Debug().Str("file", f.Name()).Msg("skipping malformed vault entry")
			continue
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Import decodes a PKCS#12 file and stores its identity under name, sealing
// the private key with vaultPassword.
func (v *Vault) Import(_ context.Context, name string, pfx []byte, pfxPassword, vaultPassword []byte) (*Entry, error) {
	if len(vaultPassword) == 0 {
		return nil, errors.New("a vault password is required")
	}
	id, err := p12.Decode(pfx, string(pfxPassword))
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	fp := certs.Fingerprint(id.Certificate)
	existing, err := v.entries()
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.Fingerprint == fp {
			return nil, ErrDuplicate
		}
	}

	der, err := x509.MarshalPKCS8PrivateKey(id.Signer)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	sealed, err := seal(der, vaultPassword)
	keystore.Zero(der)
	if err != nil {
		return nil, fmt.Errorf("seal private key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = p12.Alias(id.Certificate)
	}
	e := &Entry{
		ID:          uuid.New().String(),
		Name:        name,
		CertPEM:     encodePEM(id.Certificate),
		Fingerprint: fp,
		Imported:    time.Now().UTC(),
	}
	for _, c := range id.CACerts {
		e.ChainPEM = append(e.ChainPEM, encodePEM(c))
	}

	keyPath := filepath.Join(v.dir, e.ID+keyExt)
	if err := os.WriteFile(keyPath, sealed, 0o600); err != nil {
		return nil, fmt.Errorf("write sealed key: %w", err)
	}
	meta, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		os.Remove(keyPath)
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(v.dir, e.ID+metaExt), meta, 0o600); err != nil {
		os.Remove(keyPath)
		return nil, fmt.Errorf("write vault entry: %w", err)
	}
	v.logger.Info().Str("id", e.ID).Str("name", e.Name).Msg("identity imported")
	return e, nil
}

// Delete removes an entry and its sealed key.
func (v *Vault) Delete(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	metaPath := filepath.Join(v.dir, id+metaExt)
	if _, err := os.Stat(metaPath); err != nil {
		return fmt.Errorf("%w: %s", keystore.ErrNotFound, id)
	}
	if err := os.Remove(metaPath); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(v.dir, id+keyExt)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Unlock opens the sealed private key of entry id.
func (v *Vault) Unlock(id string, vaultPassword []byte) (crypto.Signer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sealed, err := os.ReadFile(filepath.Join(v.dir, id+keyExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", keystore.ErrNoPrivateKey, id)
		}
		return nil, err
	}
	der, err := open(sealed, vaultPassword)
	if err != nil {
		return nil, err
	}
	defer keystore.Zero(der)
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("stored key cannot sign")
	}
	return signer, nil
}

func encodePEM(c *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw}))
}

func parsePEM(s string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("no PEM certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}
