// Package session keeps the certificate selection state used to sign: which
// keystore backend is in use, the opened provider, the selected alias and the
// resolved private key entry.
//
// A Session is single-owner. Callers sharing one across goroutines must
// synchronize externally.
package session

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
	"github.com/vocdoni/gofirma/trisign/internal/sigerr"
)

type providerState int

const (
	providerUninitialized providerState = iota
	providerReady
	providerInvalid
)

// providerHandle is the lazily opened keystore. Any mutation that changes the
// store identity returns it to providerUninitialized.
type providerHandle struct {
	state    providerState
	provider keystore.Provider
}

// Session is the certificate selection state for one signing identity.
type Session struct {
	factory  keystore.Factory
	dialog   SelectionDialog
	prompter PasswordPrompter
	notifier Notifier
	logger   zerolog.Logger

	defaultBackend keystore.Backend
	backend        keystore.Backend

	storePath     string
	storePassword []byte
	hasPassword   bool

	handle        providerHandle
	selectedAlias string
	resolved      *keystore.KeyEntry

	filters            []keystore.CertificateFilter
	mandatory          bool
	showExpired        bool
	showLoadingWarning bool

	lastErr error
}

// Option configures a Session.
type Option func(*Session)

// WithBackend sets the backend the session starts with and returns to on Reset.
func WithBackend(b keystore.Backend) Option {
	return func(s *Session) {
		if !b.IsZero() {
			s.defaultBackend = b
			s.backend = b
		}
	}
}

func WithDialog(d SelectionDialog) Option {
	return func(s *Session) { s.dialog = d }
}

func WithPasswordPrompter(p PasswordPrompter) Option {
	return func(s *Session) { s.prompter = p }
}

func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMandatorySelection requires exactly one certificate to survive the
// filters.
func WithMandatorySelection(v bool) Option {
	return func(s *Session) { s.mandatory = v }
}

// New creates a session over factory. Without WithBackend it uses the
// platform default backend.
func New(factory keystore.Factory, opts ...Option) *Session {
	def := keystore.DefaultBackend()
	s := &Session{
		factory:        factory,
		defaultBackend: def,
		backend:        def,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSigningSession creates a session that resolves the certificate on its
// own when exactly one survives the filters, and fails otherwise.
func NewSigningSession(factory keystore.Factory, opts ...Option) *Session {
	return New(factory, append(opts, WithMandatorySelection(true))...)
}

// Reset restores the default backend and drops every transient selection
// state, filters included. Store path and password are kept.
func (s *Session) Reset() {
	s.backend = s.defaultBackend
	s.selectedAlias = ""
	s.dropProvider()
	s.resolved = nil
	s.lastErr = nil
	s.showLoadingWarning = false
	s.filters = nil
}

// SetBackend switches the keystore backend. The provider handle and the
// resolved key are dropped; store path and password are kept.
func (s *Session) SetBackend(b keystore.Backend) error {
	if b.IsZero() {
		return sigerr.Newf(sigerr.InvalidArgument, "set backend", "a keystore backend is required")
	}
	s.backend = b
	s.resolved = nil
	s.dropProvider()
	return nil
}

func (s *Session) Backend() keystore.Backend { return s.backend }

// SetStorePath sets the file or library path of path-based backends. Blank
// paths are stored as unset.
func (s *Session) SetStorePath(path string) {
	if strings.TrimSpace(path) == "" {
		path = ""
	}
	s.storePath = path
}

func (s *Session) StorePath() string { return s.storePath }

// SetStorePassword caches the password used for the store and its keys.
// A nil password removes the cached one.
func (s *Session) SetStorePassword(pw []byte) {
	keystore.Zero(s.storePassword)
	if pw == nil {
		s.storePassword = nil
		s.hasPassword = false
		return
	}
	s.storePassword = append([]byte(nil), pw...)
	s.hasPassword = true
}

// HasStorePassword reports whether a password is cached.
func (s *Session) HasStorePassword() bool { return s.hasPassword }

// AddFilter appends f. Nil filters are ignored.
func (s *Session) AddFilter(f keystore.CertificateFilter) {
	if f != nil {
		s.filters = append(s.filters, f)
	}
}

func (s *Session) ClearFilters() { s.filters = nil }

// Filters returns a copy of the filter sequence.
func (s *Session) Filters() []keystore.CertificateFilter {
	return append([]keystore.CertificateFilter(nil), s.filters...)
}

func (s *Session) SetMandatorySelection(v bool) { s.mandatory = v }

func (s *Session) MandatorySelection() bool { return s.mandatory }

// SetShowExpired lets expired or not yet valid certificates be offered.
func (s *Session) SetShowExpired(v bool) { s.showExpired = v }

// SetLoadingWarning enables the "insert your device" notice shown before
// the store is opened.
func (s *Session) SetLoadingWarning(v bool) { s.showLoadingWarning = v }

// LastError returns the last failure recorded by the session, or nil.
func (s *Session) LastError() error { return s.lastErr }

func (s *Session) SelectedAlias() string { return s.selectedAlias }

// SetSelectedAlias sets the alias to use. Changing it drops the resolved key.
func (s *Session) SetSelectedAlias(alias string) {
	if s.selectedAlias != alias {
		s.resolved = nil
	}
	s.selectedAlias = alias
}

// IsCertificateSelected reports whether a private key entry is resolved.
func (s *Session) IsCertificateSelected() bool {
	return s.resolved != nil
}

// KeyEntry returns the resolved private key entry, or nil.
func (s *Session) KeyEntry() *keystore.KeyEntry {
	return s.resolved
}

// Close releases the provider handle.
func (s *Session) Close() error {
	p := s.handle.provider
	s.handle = providerHandle{}
	s.resolved = nil
	if p != nil {
		return p.Close()
	}
	return nil
}

func (s *Session) dropProvider() {
	if p := s.handle.provider; p != nil {
		if err := p.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("closing keystore provider")
		}
	}
	s.handle = providerHandle{}
}

func (s *Session) fail(err error) error {
	s.lastErr = err
	return err
}

// ensureProvider opens the keystore on first use and reuses it afterwards.
func (s *Session) ensureProvider(ctx context.Context) (keystore.Provider, error) {
	if s.handle.state == providerReady {
		return s.handle.provider, nil
	}

	if s.showLoadingWarning && s.notifier != nil {
		s.notifier.InsertDevice(ctx, s.backend)
	}

	p, err := s.factory.Open(ctx, s.backend, s.storePath, s.storePasswordSupplier())
	if err != nil {
		s.handle = providerHandle{state: providerInvalid}
		return nil, s.fail(classifyOpenError(err))
	}
	s.handle = providerHandle{state: providerReady, provider: p}
	s.logger.Debug().Str("backend", s.backend.String()).Msg("keystore initialized")
	return p, nil
}

func classifyOpenError(err error) error {
	const op = "open keystore"
	if errors.Is(err, keystore.ErrCancelled) {
		return sigerr.New(sigerr.Cancelled, op, err)
	}
	var alt *keystore.AlternativeError
	if errors.As(err, &alt) {
		return &sigerr.Error{Kind: sigerr.AlternativeStoreAvailable, Op: op, Alternative: alt.Alternative, Err: err}
	}
	return sigerr.New(sigerr.StoreInitializationFailed, op, err)
}

// SelectCertificate selects a certificate and resolves its private key.
func (s *Session) SelectCertificate(ctx context.Context) error {
	return s.Select(ctx, true)
}

// Select picks an alias, asking the selection dialog only when none is set
// yet, and resolves its private key when requirePrivateKey is true.
func (s *Session) Select(ctx context.Context, requirePrivateKey bool) error {
	p, err := s.ensureProvider(ctx)
	if err != nil {
		return err
	}

	if s.selectedAlias == "" {
		alias, err := s.chooseAlias(ctx, p, requirePrivateKey)
		if err != nil {
			return s.fail(err)
		}
		s.selectedAlias = alias
		s.logger.Info().Str("alias", alias).Msg("certificate selected")
	}

	if !requirePrivateKey || s.resolved != nil {
		return nil
	}

	entry, err := p.PrivateKeyEntry(ctx, s.selectedAlias, s.keyPasswordSupplier())
	if err != nil {
		if errors.Is(err, keystore.ErrCancelled) {
			return s.fail(sigerr.New(sigerr.Cancelled, "extract private key", err))
		}
		return s.fail(sigerr.New(sigerr.PrivateKeyExtractionFailed, "extract private key", err))
	}
	if entry.Alias == "" {
		entry.Alias = s.selectedAlias
	}
	s.resolved = entry
	s.lastErr = nil
	return nil
}

func (s *Session) chooseAlias(ctx context.Context, p keystore.Provider, checkPrivateKey bool) (string, error) {
	const op = "select certificate"

	aliases, err := p.Aliases(ctx)
	if err != nil {
		return "", sigerr.New(sigerr.CertificateSelectionFailed, op, err)
	}

	candidates := make([]keystore.Candidate, 0, len(aliases))
	for _, alias := range aliases {
		cert, err := p.Certificate(ctx, alias)
		if err != nil {
			s.logger.Debug().Str("alias", alias).Err(err).Msg("skipping alias without certificate")
			continue
		}
		candidates = append(candidates, keystore.Candidate{Alias: alias, Certificate: cert})
	}

	filters := s.Filters()
	if !s.showExpired {
		filters = append([]keystore.CertificateFilter{keystore.ValidityFilter(nil)}, filters...)
	}
	candidates = keystore.ApplyFilters(candidates, filters)
	s.logger.Debug().Int("aliases", len(aliases)).Int("candidates", len(candidates)).Msg("filtered certificates")

	switch {
	case len(candidates) == 0:
		return "", sigerr.Newf(sigerr.NoCertificatesFound, op, "no certificate in %s matches the filters", s.backend)
	case s.mandatory && len(candidates) == 1:
		return candidates[0].Alias, nil
	case s.mandatory:
		return "", sigerr.Newf(sigerr.CertificateSelectionFailed, op, "%d certificates match but exactly one is required", len(candidates))
	}

	if s.dialog == nil {
		return "", sigerr.Newf(sigerr.CertificateSelectionFailed, op, "no selection dialog configured")
	}
	alias, err := s.dialog.Choose(ctx, SelectionRequest{
		Backend:         s.backend,
		Candidates:      candidates,
		Filters:         s.Filters(),
		CheckPrivateKey: checkPrivateKey,
		WarnOnExpiry:    true,
		ShowExpired:     s.showExpired,
		MandatorySingle: s.mandatory,
	})
	switch {
	case err == nil && alias == "":
		return "", sigerr.New(sigerr.Cancelled, op, keystore.ErrCancelled)
	case err == nil:
		return alias, nil
	case errors.Is(err, keystore.ErrCancelled), errors.Is(err, sigerr.ErrCancelled):
		return "", sigerr.New(sigerr.Cancelled, op, err)
	case errors.Is(err, sigerr.ErrNoCertificatesFound):
		return "", err
	default:
		return "", sigerr.New(sigerr.CertificateSelectionFailed, op, err)
	}
}

// Certificate returns the certificate stored under alias. It does not need a
// private key; a missing alias yields keystore.ErrNotFound.
func (s *Session) Certificate(ctx context.Context, alias string) (*x509.Certificate, error) {
	p, err := s.ensureProvider(ctx)
	if err != nil {
		return nil, err
	}
	return p.Certificate(ctx, alias)
}

// ListAliases returns every alias in the store, unfiltered. Failure to open
// the store is returned; a failing enumeration yields an empty list.
func (s *Session) ListAliases(ctx context.Context) ([]string, error) {
	p, err := s.ensureProvider(ctx)
	if err != nil {
		return nil, err
	}
	aliases, err := p.Aliases(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("backend", s.backend.String()).Msg("listing aliases")
		return []string{}, nil
	}
	return aliases, nil
}

// SelectedCertificate returns the certificate of the resolved key entry, or
// the one stored under the selected alias.
func (s *Session) SelectedCertificate(ctx context.Context) (*x509.Certificate, error) {
	if s.resolved != nil && s.resolved.Certificate != nil {
		return s.resolved.Certificate, nil
	}
	if s.selectedAlias != "" {
		p, err := s.ensureProvider(ctx)
		if err != nil {
			return nil, err
		}
		cert, err := p.Certificate(ctx, s.selectedAlias)
		if err != nil {
			return nil, fmt.Errorf("certificate for %q: %w", s.selectedAlias, err)
		}
		return cert, nil
	}
	return nil, sigerr.New(sigerr.NoSelection, "selected certificate", nil)
}

func (s *Session) storePasswordSupplier() keystore.PasswordSupplier {
	return s.passwordSupplier(PurposeStore)
}

func (s *Session) keyPasswordSupplier() keystore.PasswordSupplier {
	return s.passwordSupplier(PurposeKey)
}

// passwordSupplier returns the cached password when one is set, else a
// supplier backed by the prompter.
func (s *Session) passwordSupplier(purpose PasswordPurpose) keystore.PasswordSupplier {
	if s.hasPassword {
		return keystore.FixedPassword(s.storePassword)
	}
	if s.prompter == nil {
		return keystore.NoPassword
	}
	req := PasswordRequest{Backend: s.backend, Purpose: purpose, Alias: s.selectedAlias}
	return keystore.PasswordFunc(func(ctx context.Context) ([]byte, error) {
		return s.prompter.PromptPassword(ctx, req)
	})
}
