package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore/p12"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore/vault"
)

type ImportCmd struct {
	File         string `arg:"" help:"PKCS#12 file to import." type:"existingfile"`
	Name         string `help:"Name shown for the imported certificate; defaults to its common name."`
	Vault        string `help:"Vault directory." type:"path"`
	PFXPassEnv   string `help:"Environment variable holding the PKCS#12 password." default:"TRISIGN_PASSWORD"`
	VaultPassEnv string `help:"Environment variable holding the vault password." default:"TRISIGN_VAULT_PASSWORD"`
}

func (c *ImportCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, log, err := globals.setup()
	if err != nil {
		return err
	}

	dir, err := vaultDir(c.Vault, cfg)
	if err != nil {
		return err
	}

	vaultPass := os.Getenv(c.VaultPassEnv)
	if vaultPass == "" {
		return fmt.Errorf("the vault password must be set in $%s", c.VaultPassEnv)
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read PKCS#12 file: %w", err)
	}

	v, err := vault.New(dir, log)
	if err != nil {
		return err
	}
	e, err := v.Import(ctx, c.Name, data, []byte(os.Getenv(c.PFXPassEnv)), []byte(vaultPass))
	if err != nil {
		if errors.Is(err, vault.ErrDuplicate) {
			return err
		}
		return fmt.Errorf("%s (%w)", p12.Message(err), err)
	}
	fmt.Printf("imported %q (%s) into %s\n", e.Name, e.Fingerprint[:16], dir)
	return nil
}
