package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"

	"github.com/vocdoni/gofirma/trisign/cmd/trisign/internal/commands"
	"github.com/vocdoni/gofirma/trisign/internal/version"
)

var cli struct {
	List    commands.ListCmd   `cmd:"" help:"List the certificates of a keystore"`
	Sign    commands.SignCmd   `cmd:"" help:"Sign documents through the remote triphase service"`
	Import  commands.ImportCmd `cmd:"" help:"Import a PKCS#12 file into the local vault"`
	Audit   commands.AuditCmd  `cmd:"" help:"Show the local signing audit log"`
	Vault   commands.VaultCmd  `cmd:"" help:"Manage the local vault"`
	Debug   bool               `help:"Enable debug mode."`
	Config  string             `help:"Path to a YAML configuration file." type:"path" env:"TRISIGN_CONFIG"`
	Version kong.VersionFlag
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("trisign"),
		kong.Description("Triphase electronic signature client."),
		kong.Vars{
			"version": version.Version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Config: cli.Config, Version: version.Version})
	cmd.FatalIfErrorf(err)
}
