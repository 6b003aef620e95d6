package session

import (
	"context"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
)

// SelectionRequest is what a SelectionDialog gets to choose from.
// Candidates already passed Filters.
type SelectionRequest struct {
	Backend         keystore.Backend
	Candidates      []keystore.Candidate
	Filters         []keystore.CertificateFilter
	CheckPrivateKey bool
	WarnOnExpiry    bool
	ShowExpired     bool
	MandatorySingle bool
}

// SelectionDialog asks the user for one alias. It returns
// keystore.ErrCancelled when the user aborts.
type SelectionDialog interface {
	Choose(ctx context.Context, req SelectionRequest) (string, error)
}

// SelectionFunc adapts a function to SelectionDialog.
type SelectionFunc func(ctx context.Context, req SelectionRequest) (string, error)

func (f SelectionFunc) Choose(ctx context.Context, req SelectionRequest) (string, error) {
	return f(ctx, req)
}

// PasswordPurpose tells a prompter which secret is being requested.
type PasswordPurpose int

const (
	PurposeStore PasswordPurpose = iota
	PurposeKey
)

// PasswordRequest describes a password prompt.
type PasswordRequest struct {
	Backend keystore.Backend
	Purpose PasswordPurpose
	Alias   string
}

// PasswordPrompter obtains passwords interactively or from a platform
// facility. It returns keystore.ErrCancelled when the user aborts.
type PasswordPrompter interface {
	PromptPassword(ctx context.Context, req PasswordRequest) ([]byte, error)
}

// Notifier shows the "insert your device" notice before a store is loaded.
type Notifier interface {
	InsertDevice(ctx context.Context, backend keystore.Backend)
}
