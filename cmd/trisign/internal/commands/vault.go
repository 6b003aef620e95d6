package commands

import (
	"fmt"
	"strings"

	"github.com/vocdoni/gofirma/trisign/internal/config"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore/vault"
)

type VaultCmd struct {
	Rm VaultRmCmd `cmd:"" help:"Remove an identity from the local vault"`
}

type VaultRmCmd struct {
	Entry string `arg:"" help:"Entry id, name or fingerprint prefix (at least 8 hex digits)."`
	Vault string `help:"Vault directory." type:"path"`
}

func (c *VaultRmCmd) Run(globals *Globals) error {
	cfg, log, err := globals.setup()
	if err != nil {
		return err
	}
	dir, err := vaultDir(c.Vault, cfg)
	if err != nil {
		return err
	}
	v, err := vault.New(dir, log)
	if err != nil {
		return err
	}
	entries, err := v.Entries()
	if err != nil {
		return err
	}
	e, err := findEntry(entries, c.Entry)
	if err != nil {
		return err
	}
	if err := v.Delete(e.ID); err != nil {
		return err
	}
	log.Info().Str("id", e.ID).Str("name", e.Name).Msg("identity removed")
	fmt.Printf("removed %q (%s) from %s\n", e.Name, e.Fingerprint[:16], dir)
	return nil
}

// vaultDir resolves the vault directory: the flag, then the configured
// keystore path when the backend is the vault, then the default.
func vaultDir(flag string, cfg config.Config) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if b, err := cfg.Backend(); err == nil && b == keystore.BackendVault && cfg.Keystore.Path != "" {
		return cfg.Keystore.Path, nil
	}
	return vault.DefaultDir()
}

func findEntry(entries []*vault.Entry, ref string) (*vault.Entry, error) {
	fp := strings.ToLower(strings.ReplaceAll(ref, ":", ""))
	var found []*vault.Entry
	for _, e := range entries {
		switch {
		case e.ID == ref:
			return e, nil
		case e.Name == ref, len(fp) >= 8 && strings.HasPrefix(e.Fingerprint, fp):
			found = append(found, e)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", keystore.ErrNotFound, ref)
	case 1:
		return found[0], nil
	}
	ids := make([]string, 0, len(found))
	for _, e := range found {
		ids = append(ids, e.ID)
	}
	return nil, fmt.Errorf("%q matches %d entries, use one of the ids: %s", ref, len(found), strings.Join(ids, ", "))
}
