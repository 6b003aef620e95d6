// Package triphase drives the three phase signature protocol: the server
// pre-signs, the client applies the private key operation, and the server
// post-signs.
package triphase

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/sigerr"
)

// ErrRejected is reported to the observer when the service answers the
// post-sign with a failed result.
var ErrRejected = errors.New("post-sign rejected")

// Phase is a state of one Sign invocation.
type Phase int

const (
	PhaseStart Phase = iota
	PhasePreSigned
	PhaseSigned
	PhasePostSigned
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhasePreSigned:
		return "presigned"
	case PhaseSigned:
		return "signed"
	case PhasePostSigned:
		return "postsigned"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// RemoteService is the server side of the protocol. PostSign gets the id of
// the SignRequest the sub-requests were derived from.
type RemoteService interface {
	PreSign(ctx context.Context, req SignRequest, leaf *x509.Certificate) ([]*Request, error)
	PostSign(ctx context.Context, requestID string, reqs []*Request, leaf *x509.Certificate) (Result, error)
}

// RawSigner applies a PKCS#1 signature to a pre-signature blob.
type RawSigner interface {
	Sign(data []byte, algorithm string, key crypto.Signer, chain []*x509.Certificate) ([]byte, error)
}

// RawSignerFunc adapts a function to RawSigner.
type RawSignerFunc func(data []byte, algorithm string, key crypto.Signer, chain []*x509.Certificate) ([]byte, error)

func (f RawSignerFunc) Sign(data []byte, algorithm string, key crypto.Signer, chain []*x509.Certificate) ([]byte, error) {
	return f(data, algorithm, key, chain)
}

// Observer is told about every phase transition of a request.
type Observer func(requestID string, from, to Phase, err error)

// Signer runs the protocol.
type Signer struct {
	raw      RawSigner
	observer Observer
	logger   zerolog.Logger
}

// Option configures a Signer.
type Option func(*Signer)

func WithObserver(o Observer) Option {
	return func(s *Signer) { s.observer = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Signer) { s.logger = l }
}

// New returns a Signer that uses raw for the private key operation.
func New(raw RawSigner, opts ...Option) *Signer {
	s := &Signer{raw: raw, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AlgorithmName derives the PKCS#1 algorithm name from a digest identifier,
// e.g. SHA-256 becomes SHA256withRSA.
func AlgorithmName(digest string) string {
	return strings.ReplaceAll(digest, "-", "") + "withRSA"
}

// Sign runs pre-sign, local sign and post-sign for req. Only the leaf
// certificate, chain[0], is sent to the server. Any failure fails the whole
// request.
func (s *Signer) Sign(ctx context.Context, req SignRequest, key crypto.Signer, chain []*x509.Certificate, remote RemoteService) Result {
	failed := Result{ID: req.ID, OK: false}
	phase := PhaseStart
	move := func(to Phase, err error) {
		if s.observer != nil {
			s.observer(req.ID, phase, to, err)
		}
		phase = to
	}
	fail := func(err error) Result {
		s.logger.Warn().Str("request", req.ID).Str("phase", phase.String()).Err(err).Msg("triphase signature failed")
		move(PhaseFailed, err)
		return failed
	}

	if key == nil || len(chain) == 0 || chain[0] == nil {
		return fail(sigerr.Newf(sigerr.InvalidArgument, "triphase sign", "a private key and its certificate are required"))
	}
	leaf := chain[0]

	reqs, err := remote.PreSign(ctx, req, leaf)
	if err != nil {
		return fail(fmt.Errorf("pre-sign: %w", err))
	}
	move(PhasePreSigned, nil)
	s.logger.Debug().Str("request", req.ID).Int("subrequests", len(reqs)).Msg("pre-sign done")

	for _, r := range reqs {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if !r.StatusOK {
			return fail(fmt.Errorf("sub-request %q failed during pre-sign", r.ID))
		}
		for _, doc := range r.Documents {
			if err := s.signDocument(doc, key, chain); err != nil {
				return fail(fmt.Errorf("sub-request %q: %w", r.ID, err))
			}
		}
	}
	move(PhaseSigned, nil)

	res, err := remote.PostSign(ctx, req.ID, reqs, leaf)
	if err != nil {
		return fail(fmt.Errorf("post-sign: %w", err))
	}
	if res.ID == "" {
		res.ID = req.ID
	}
	if !res.OK {
		move(PhaseFailed, ErrRejected)
		return res
	}
	move(PhasePostSigned, nil)
	return res
}

func (s *Signer) signDocument(doc *DocumentRequest, key crypto.Signer, chain []*x509.Certificate) error {
	if doc.PartialResult == nil {
		return sigerr.Newf(sigerr.MissingPreSignature, "sign document", "document %q has no partial result", doc.ID)
	}
	cfg := doc.PartialResult
	algorithm := AlgorithmName(doc.DigestAlgorithm)
	for i := 0; i < cfg.Count(); i++ {
		pre, ok := cfg.PreSign(i)
		if !ok {
			return sigerr.Newf(sigerr.MissingPreSignature, "sign document", "document %q has no pre-signature %d", doc.ID, i)
		}
		sig, err := s.raw.Sign(pre, algorithm, key, chain)
		if err != nil {
			return fmt.Errorf("document %q signature %d: %w", doc.ID, i, err)
		}
		cfg.AddPK1(sig)
		if !cfg.KeepPreSign() {
			cfg.SetPreSign(i, nil)
		}
	}
	return nil
}
