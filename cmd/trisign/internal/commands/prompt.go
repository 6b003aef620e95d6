package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
	"github.com/vocdoni/gofirma/trisign/internal/session"
)

// aliasDialog selects without user interaction: the configured alias when it
// is among the candidates, otherwise the only candidate.
type aliasDialog struct {
	alias string
}

func (d aliasDialog) Choose(_ context.Context, req session.SelectionRequest) (string, error) {
	if d.alias != "" {
		for _, c := range req.Candidates {
			if c.Alias == d.alias {
				return c.Alias, nil
			}
		}
		return "", fmt.Errorf("alias %q is not among the %d usable certificates", d.alias, len(req.Candidates))
	}
	if len(req.Candidates) == 1 {
		return req.Candidates[0].Alias, nil
	}
	aliases := make([]string, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		aliases = append(aliases, c.Alias)
	}
	return "", fmt.Errorf("several certificates match, pick one with --alias: %s", strings.Join(aliases, ", "))
}

// envPrompter reads passwords from environment variables. A missing
// variable counts as a cancelled prompt.
type envPrompter struct {
	storeVar string
	keyVar   string
}

func (p envPrompter) PromptPassword(_ context.Context, req session.PasswordRequest) ([]byte, error) {
	names := []string{p.storeVar}
	if req.Purpose == session.PurposeKey {
		names = []string{p.keyVar, p.storeVar}
	}
	checked := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v), nil
		}
		checked = append(checked, "$"+name)
	}
	if len(checked) == 0 {
		return nil, fmt.Errorf("%w: no password variable configured", keystore.ErrCancelled)
	}
	return nil, fmt.Errorf("%w: no password in %s", keystore.ErrCancelled, strings.Join(checked, " or "))
}

type logNotifier struct {
	log zerolog.Logger
}

func (n logNotifier) InsertDevice(_ context.Context, backend keystore.Backend) {
	n.log.Info().Str("backend", backend.String()).Msg("insert your signing device if it is not connected")
}
