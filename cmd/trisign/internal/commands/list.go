package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/vocdoni/gofirma/trisign/internal/certs"
)

type ListCmd struct {
	KeystoreFlags
}

func (l *ListCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, log, err := globals.setup()
	if err != nil {
		return err
	}
	s, err := l.newSession(cfg, log)
	if err != nil {
		return err
	}
	defer s.Close()

	aliases, err := s.ListAliases(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tHOLDER\tID\tISSUER\tEXPIRES\tFINGERPRINT")
	for _, alias := range aliases {
		cert, err := s.Certificate(ctx, alias)
		if err != nil {
			log.Debug().Err(err).Str("alias", alias).Msg("skipping alias")
			continue
		}
		info := certs.Describe(cert)
		expires := info.NotAfter.Format(time.DateOnly)
		if info.Expired(now) && !cfg.Selection.ShowExpired && !l.ShowExpired {
			continue
		}
		if info.Expired(now) {
			expires += " (expired)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", alias, info.CommonName, info.HolderID, info.Issuer, expires, info.Fingerprint[:16])
	}
	return w.Flush()
}
