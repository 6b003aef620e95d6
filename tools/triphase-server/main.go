// Command triphase-server runs an in-memory triphase signing service for
// local development and end-to-end tests of the trisign client.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"

	"github.com/vocdoni/gofirma/trisign/internal/devserver"
	"github.com/vocdoni/gofirma/trisign/internal/logger"
	"github.com/vocdoni/gofirma/trisign/internal/version"
)

var cli struct {
	Listen    string `help:"Address to listen on." default:"127.0.0.1:8080"`
	MinClient string `help:"Oldest client version to accept without warning."`
	Debug     bool   `help:"Enable debug mode."`
	Version   kong.VersionFlag
}

func main() {
	kctx := kong.Parse(&cli, kong.Vars{"version": version.Version})
	kctx.FatalIfErrorf(run())
}

func run() error {
	log := logger.Setup(cli.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	srv := &http.Server{
		Addr:              cli.Listen,
		Handler:           devserver.NewServer(log, cli.MinClient).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	log.Info().Str("addr", cli.Listen).Msg("triphase server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
