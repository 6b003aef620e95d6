package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/certs"
	"github.com/vocdoni/gofirma/trisign/internal/config"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/pkcs1"
	"github.com/vocdoni/gofirma/trisign/internal/net"
	"github.com/vocdoni/gofirma/trisign/internal/session"
	"github.com/vocdoni/gofirma/trisign/internal/sigerr"
	"github.com/vocdoni/gofirma/trisign/internal/storage"
	"github.com/vocdoni/gofirma/trisign/internal/triphase"
)

type SignCmd struct {
	KeystoreFlags
	Server    string   `help:"Base URL of the triphase signing service." env:"TRISIGN_SERVER"`
	RequestID string   `help:"Request identifier, generated when empty."`
	Digest    string   `help:"Digest algorithm." default:"SHA-256" enum:"SHA-1,SHA-256,SHA-384,SHA-512"`
	Format    string   `help:"Signature format requested from the service." default:"CAdES"`
	Operation string   `help:"Operation requested from the service." default:"sign"`
	Files     []string `arg:"" help:"Documents to sign." type:"existingfile"`
}

func (c *SignCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, log, err := globals.setup()
	if err != nil {
		return err
	}
	if c.Server != "" {
		cfg.Server.URL = c.Server
	}
	if cfg.Server.URL == "" {
		return errors.New("no signing service configured, use --server or server.url")
	}

	req, err := c.buildRequest()
	if err != nil {
		return err
	}
	log = log.With().Str("request", req.ID).Logger()

	audit, err := openAudit(cfg, log)
	if err != nil {
		return err
	}

	s, err := c.newSession(cfg, log)
	if err != nil {
		return err
	}
	defer s.Close()

	entry := storage.AuditEntry{
		RequestID: req.ID,
		Server:    cfg.Server.URL,
		Backend:   s.Backend().String(),
	}
	for _, d := range req.Documents {
		entry.Documents = append(entry.Documents, d.Name)
	}

	res, signErr := c.sign(ctx, cfg, log, s, req, &entry)
	switch {
	case signErr != nil:
		entry.Status = storage.StatusFailed
		entry.ErrorKind = sigerr.KindOf(signErr).String()
		entry.Error = signErr.Error()
	case !res.OK:
		entry.Status = storage.StatusRejected
	default:
		entry.Status = storage.StatusSigned
	}
	if audit != nil {
		if err := audit.Log(entry); err != nil {
			log.Warn().Err(err).Msg("failed to write audit entry")
		}
	}

	if signErr != nil {
		return signErr
	}
	if !res.OK {
		return fmt.Errorf("request %s was rejected by the signing service", res.ID)
	}
	fmt.Printf("request %s signed with %q\n", res.ID, entry.Alias)
	return nil
}

func (c *SignCmd) sign(ctx context.Context, cfg config.Config, log zerolog.Logger, s *session.Session, req triphase.SignRequest, entry *storage.AuditEntry) (triphase.Result, error) {
	if err := s.SelectCertificate(ctx); err != nil {
		return triphase.Result{ID: req.ID}, err
	}
	key := s.KeyEntry()
	entry.Alias = key.Alias
	entry.CertFingerprint = certs.Fingerprint(key.Certificate)

	client := net.NewClient(cfg.Server.URL,
		net.WithTimeout(cfg.Server.Timeout),
		net.WithRetry(cfg.Server.Retries, 0),
		net.WithLogger(log))

	var lastErr error
	signer := triphase.New(pkcs1.Signer{},
		triphase.WithLogger(log),
		triphase.WithObserver(func(_ string, from, to triphase.Phase, err error) {
			log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("phase")
			if err != nil && !errors.Is(err, triphase.ErrRejected) {
				lastErr = err
			}
		}))

	res := signer.Sign(ctx, req, key.Signer, key.CertificateChain(), client)
	if !res.OK && lastErr != nil {
		return res, lastErr
	}
	return res, nil
}

func (c *SignCmd) buildRequest() (triphase.SignRequest, error) {
	req := triphase.SignRequest{ID: c.RequestID}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	for _, path := range c.Files {
		data, err := os.ReadFile(path)
		if err != nil {
			return req, fmt.Errorf("failed to read document: %w", err)
		}
		req.Documents = append(req.Documents, triphase.Document{
			ID:              uuid.NewString(),
			Name:            filepath.Base(path),
			Operation:       c.Operation,
			Format:          c.Format,
			DigestAlgorithm: c.Digest,
			Data:            data,
		})
	}
	return req, nil
}

func openAudit(cfg config.Config, log zerolog.Logger) (*storage.AuditLogger, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}
	return storage.NewAuditLogger(cfg.Audit.Dir, log)
}
