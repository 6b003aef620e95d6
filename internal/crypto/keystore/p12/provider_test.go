package p12

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/github/fakeca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
)

func newPFX(t *testing.T, cn, password string) ([]byte, *fakeca.Identity) {
	t.Helper()
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ca := fakeca.New(fakeca.PrivateKey(caKey), fakeca.Subject(pkix.Name{CommonName: "Test CA"}))
	leaf := ca.Issue(
		fakeca.PrivateKey(leafKey),
		fakeca.Subject(pkix.Name{CommonName: cn}),
		fakeca.NotBefore(time.Now().Add(-time.Hour)),
		fakeca.NotAfter(time.Now().Add(24*time.Hour)),
	)
	data, err := gopkcs12.Modern.Encode(leafKey, leaf.Certificate, []*x509.Certificate{ca.Certificate}, password)
	require.NoError(t, err)
	return data, leaf
}

func TestDecode(t *testing.T) {
	data, leaf := newPFX(t, "Alice", "password")

	t.Run("password protected", func(t *testing.T) {
		id, err := Decode(data, "password")
		require.NoError(t, err)
		assert.True(t, id.Certificate.Equal(leaf.Certificate))
		assert.Len(t, id.CACerts, 1)
		assert.NotNil(t, id.Signer)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := Decode(data, "wrong-password")
		require.ErrorIs(t, err, ErrWrongPassword)
		assert.Equal(t, "The certificate password is incorrect.", Message(err))
	})

	t.Run("password required", func(t *testing.T) {
		_, err := Decode(data, "")
		require.ErrorIs(t, err, ErrPasswordRequired)
	})

	t.Run("invalid file", func(t *testing.T) {
		_, err := Decode([]byte("not-a-pkcs12"), "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidFile) || errors.Is(err, ErrUnsupported), err.Error())
	})
}

func TestOpenProvider(t *testing.T) {
	ctx := context.Background()
	data, leaf := newPFX(t, "Alice", "1234")
	path := filepath.Join(t.TempDir(), "alice.p12")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	p, err := Open(ctx, path, keystore.FixedPassword("1234"))
	require.NoError(t, err)
	defer p.Close()

	aliases, err := p.Aliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, aliases)

	cert, err := p.Certificate(ctx, "Alice")
	require.NoError(t, err)
	assert.True(t, cert.Equal(leaf.Certificate))

	_, err = p.Certificate(ctx, "Bob")
	require.ErrorIs(t, err, keystore.ErrNotFound)

	entry, err := p.PrivateKeyEntry(ctx, "Alice", keystore.NoPassword)
	require.NoError(t, err)
	require.Len(t, entry.CertificateChain(), 2)
	assert.True(t, entry.CertificateChain()[0].Equal(leaf.Certificate))

	t.Run("wrong password", func(t *testing.T) {
		_, err := Open(ctx, path, keystore.FixedPassword("nope"))
		require.ErrorIs(t, err, ErrWrongPassword)
	})

	t.Run("cancelled prompt", func(t *testing.T) {
		_, err := Open(ctx, path, keystore.PasswordFunc(func(context.Context) ([]byte, error) {
			return nil, keystore.ErrCancelled
		}))
		require.ErrorIs(t, err, keystore.ErrCancelled)
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := Open(ctx, "", keystore.NoPassword)
		require.Error(t, err)
	})
}
