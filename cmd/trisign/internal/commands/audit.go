package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

type AuditCmd struct {
	Last int `help:"Show only the last N entries (0 for all)." default:"20"`
}

func (a *AuditCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, log, err := globals.setup()
	if err != nil {
		return err
	}
	audit, err := openAudit(cfg, log)
	if err != nil {
		return err
	}
	if audit == nil {
		return fmt.Errorf("audit log is disabled")
	}
	entries, err := audit.ReadAll()
	if err != nil {
		return err
	}
	if a.Last > 0 && len(entries) > a.Last {
		entries = entries[len(entries)-a.Last:]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tREQUEST\tBACKEND\tALIAS\tDOCS\tSTATUS\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", e.Timestamp, e.RequestID, e.Backend, e.Alias, len(e.Documents), e.Status, e.ErrorKind)
	}
	return w.Flush()
}
