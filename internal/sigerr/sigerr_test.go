package sigerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
)

func TestErrorMatchesKind(t *testing.T) {
	cause := errors.New("token locked")
	err := fmt.Errorf("select: %w", New(PrivateKeyExtractionFailed, "select", cause))

	assert.ErrorIs(t, err, ErrPrivateKeyExtraction)
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, PrivateKeyExtractionFailed, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(cause))
	assert.Contains(t, err.Error(), "private key extraction failed")
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(New(Cancelled, "select", nil)))
	assert.True(t, IsCancelled(fmt.Errorf("prompt: %w", keystore.ErrCancelled)))
	assert.False(t, IsCancelled(New(NoCertificatesFound, "select", nil)))
}

func TestAlternativeBackend(t *testing.T) {
	err := &Error{Kind: AlternativeStoreAvailable, Op: "open", Alternative: keystore.BackendPKCS12}
	b, ok := AlternativeBackend(fmt.Errorf("wrapped: %w", err))
	assert.True(t, ok)
	assert.Equal(t, keystore.BackendPKCS12, b)
	assert.Contains(t, err.Error(), "(pkcs12)")

	_, ok = AlternativeBackend(ErrNoSelection)
	assert.False(t, ok)
}
