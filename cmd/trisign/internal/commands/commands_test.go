package commands

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/github/fakeca"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/vocdoni/gofirma/trisign/internal/config"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore/vault"
	"github.com/vocdoni/gofirma/trisign/internal/devserver"
	"github.com/vocdoni/gofirma/trisign/internal/sigerr"
	"github.com/vocdoni/gofirma/trisign/internal/session"
	"github.com/vocdoni/gofirma/trisign/internal/storage"
)

func writePFX(t *testing.T, dir, cn, password string) (string, *x509.Certificate) {
	t.Helper()
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ca := fakeca.New(fakeca.PrivateKey(caKey), fakeca.Subject(pkix.Name{CommonName: "Test CA"}))
	leaf := ca.Issue(
		fakeca.PrivateKey(key),
		fakeca.Subject(pkix.Name{CommonName: cn}),
		fakeca.NotBefore(time.Now().Add(-time.Hour)),
		fakeca.NotAfter(time.Now().Add(24*time.Hour)),
	)
	pfx, err := gopkcs12.Modern.Encode(key, leaf.Certificate, []*x509.Certificate{ca.Certificate}, password)
	require.NoError(t, err)
	path := filepath.Join(dir, "identity.p12")
	require.NoError(t, os.WriteFile(path, pfx, 0o600))
	return path, leaf.Certificate
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSignEndToEnd(t *testing.T) {
	dir := t.TempDir()
	pfx, _ := writePFX(t, dir, "Alice Example", "password")
	t.Setenv("TRISIGN_TEST_PASSWORD", "password")

	srv := devserver.NewServer(zerolog.Nop(), "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	auditDir := filepath.Join(dir, "audit")
	cfgPath := writeFile(t, dir, "trisign.yaml", "audit:\n  enabled: true\n  dir: "+auditDir+"\n")
	doc := writeFile(t, dir, "manifesto.txt", "we, the undersigned")

	cmd := &SignCmd{
		KeystoreFlags: KeystoreFlags{Backend: "pkcs12", Store: pfx, PasswordEnv: "TRISIGN_TEST_PASSWORD"},
		Server:        ts.URL,
		RequestID:     "req-1",
		Digest:        "SHA-256",
		Format:        "CAdES",
		Operation:     "sign",
		Files:         []string{doc},
	}
	require.NoError(t, cmd.Run(context.Background(), &Globals{Config: cfgPath}))

	audit, err := storage.NewAuditLogger(auditDir, zerolog.Nop())
	require.NoError(t, err)
	entries, err := audit.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0].RequestID)
	assert.Equal(t, storage.StatusSigned, entries[0].Status)
	assert.Equal(t, "pkcs12", entries[0].Backend)
	assert.Equal(t, "Alice Example", entries[0].Alias)
	assert.Equal(t, []string{"manifesto.txt"}, entries[0].Documents)
	assert.NotEmpty(t, entries[0].CertFingerprint)

	t.Run("missing password is audited as cancelled", func(t *testing.T) {
		cmd := *cmd
		cmd.RequestID = "req-2"
		cmd.PasswordEnv = "TRISIGN_TEST_UNSET"
		cmd.KeyPassEnv = ""
		require.Error(t, cmd.Run(context.Background(), &Globals{Config: cfgPath}))

		entries, err := audit.ReadAll()
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, storage.StatusFailed, entries[1].Status)
		assert.Equal(t, "operation cancelled", entries[1].ErrorKind)
	})
}

func TestAliasDialog(t *testing.T) {
	req := session.SelectionRequest{Candidates: []keystore.Candidate{{Alias: "alice"}, {Alias: "bob"}}}

	alias, err := aliasDialog{alias: "bob"}.Choose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "bob", alias)

	_, err = aliasDialog{alias: "carol"}.Choose(context.Background(), req)
	require.Error(t, err)

	_, err = aliasDialog{}.Choose(context.Background(), req)
	require.ErrorContains(t, err, "alice, bob")

	alias, err = aliasDialog{}.Choose(context.Background(), session.SelectionRequest{Candidates: req.Candidates[:1]})
	require.NoError(t, err)
	assert.Equal(t, "alice", alias)
}

func TestEnvPrompter(t *testing.T) {
	t.Setenv("STORE_PW", "store")
	p := envPrompter{storeVar: "STORE_PW", keyVar: "KEY_PW_UNSET"}

	pw, err := p.PromptPassword(context.Background(), session.PasswordRequest{Purpose: session.PurposeStore})
	require.NoError(t, err)
	assert.Equal(t, []byte("store"), pw)

	pw, err = p.PromptPassword(context.Background(), session.PasswordRequest{Purpose: session.PurposeKey})
	require.NoError(t, err)
	assert.Equal(t, []byte("store"), pw, "key password falls back to the store password")

	t.Setenv("KEY_PW", "key")
	pw, err = envPrompter{storeVar: "STORE_PW", keyVar: "KEY_PW"}.PromptPassword(context.Background(), session.PasswordRequest{Purpose: session.PurposeKey})
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), pw)

	_, err = envPrompter{storeVar: "NOPE_UNSET"}.PromptPassword(context.Background(), session.PasswordRequest{})
	require.ErrorIs(t, err, keystore.ErrCancelled)
	assert.ErrorContains(t, err, "no password in $NOPE_UNSET")

	_, err = envPrompter{storeVar: "STORE_UNSET", keyVar: "KEY_UNSET"}.PromptPassword(context.Background(), session.PasswordRequest{Purpose: session.PurposeKey})
	require.ErrorIs(t, err, keystore.ErrCancelled)
	assert.ErrorContains(t, err, "no password in $KEY_UNSET or $STORE_UNSET")
}

func TestImportIntoVault(t *testing.T) {
	dir := t.TempDir()
	pfx, _ := writePFX(t, dir, "Bob Example", "pfxpass")
	t.Setenv("TEST_PFX_PW", "pfxpass")
	t.Setenv("TEST_VAULT_PW", "vaultpass")

	vaultDir := filepath.Join(dir, "vault")
	cmd := &ImportCmd{File: pfx, Vault: vaultDir, PFXPassEnv: "TEST_PFX_PW", VaultPassEnv: "TEST_VAULT_PW"}
	require.NoError(t, cmd.Run(context.Background(), &Globals{}))
	require.ErrorContains(t, cmd.Run(context.Background(), &Globals{}), "already")

	list := &ListCmd{KeystoreFlags: KeystoreFlags{Backend: "vault", Store: vaultDir}}
	require.NoError(t, list.Run(context.Background(), &Globals{}))
}

func importIdentities(t *testing.T, vaultDir string, names ...string) {
	t.Helper()
	t.Setenv("TEST_PFX_PW", "pfxpass")
	t.Setenv("TEST_VAULT_PW", "vaultpass")
	for _, name := range names {
		pfx, _ := writePFX(t, t.TempDir(), name, "pfxpass")
		cmd := &ImportCmd{File: pfx, Vault: vaultDir, PFXPassEnv: "TEST_PFX_PW", VaultPassEnv: "TEST_VAULT_PW"}
		require.NoError(t, cmd.Run(context.Background(), &Globals{}))
	}
}

func TestVaultRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	importIdentities(t, dir, "Alice Example", "Bob Example")

	v, err := vault.New(dir, zerolog.Nop())
	require.NoError(t, err)
	entries, err := v.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	rm := &VaultRmCmd{Entry: "Alice Example", Vault: dir}
	require.NoError(t, rm.Run(&Globals{}))
	require.ErrorIs(t, rm.Run(&Globals{}), keystore.ErrNotFound)

	left, err := v.Entries()
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "Bob Example", left[0].Name)

	t.Run("by fingerprint prefix", func(t *testing.T) {
		rm := &VaultRmCmd{Entry: strings.ToUpper(left[0].Fingerprint[:12]), Vault: dir}
		require.NoError(t, rm.Run(&Globals{}))
		entries, err := v.Entries()
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("short fingerprint prefix is not accepted", func(t *testing.T) {
		_, err := findEntry(left, left[0].Fingerprint[:4])
		require.ErrorIs(t, err, keystore.ErrNotFound)
	})

	t.Run("ambiguous name", func(t *testing.T) {
		same := []*vault.Entry{{ID: "1", Name: "Carol"}, {ID: "2", Name: "Carol"}}
		_, err := findEntry(same, "Carol")
		require.ErrorContains(t, err, "matches 2 entries")
		e, err := findEntry(same, "2")
		require.NoError(t, err)
		assert.Equal(t, "2", e.ID)
	})
}

func TestMandatorySelectionUsesAlias(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	importIdentities(t, dir, "Alice Example", "Bob Example")
	flags := KeystoreFlags{Backend: "vault", Store: dir}

	cfg := config.Default()
	cfg.Selection.Mandatory = true
	s, err := flags.newSession(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	require.ErrorIs(t, s.Select(context.Background(), false), sigerr.ErrCertificateSelectionFailed)

	cfg.Selection.Alias = "Bob Example"
	s, err = flags.newSession(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Select(context.Background(), false))
	assert.Equal(t, "Bob Example", s.SelectedAlias())
}
