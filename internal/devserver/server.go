// Package devserver is an in-memory triphase signing service used for local
// development and end-to-end tests.
package devserver

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smallstep/pkcs7"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/pkcs1"
	"github.com/vocdoni/gofirma/trisign/internal/net"
	"github.com/vocdoni/gofirma/trisign/internal/triphase"
)

const (
	paramSession = "SESSION"
	// ParamFail on a pre-sign document makes its sub-request fail.
	ParamFail = "FAIL"
)

var digestOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   pkcs7.OIDDigestAlgorithmSHA1,
	crypto.SHA256: pkcs7.OIDDigestAlgorithmSHA256,
	crypto.SHA384: pkcs7.OIDDigestAlgorithmSHA384,
	crypto.SHA512: pkcs7.OIDDigestAlgorithmSHA512,
}

type pending struct {
	docID   string
	name    string
	hash    crypto.Hash
	content []byte
	cert    []byte
}

// Server keeps pending sessions and finished signatures in memory. Pre-sign hands the
// document content out as PRE.0; post-sign checks the PKCS#1 signature and
// wraps it in a detached CMS.
type Server struct {
	mu         sync.Mutex
	pending    map[string]*pending
	signatures map[string][]byte
	minClient  string
	logger     zerolog.Logger
}

func NewServer(logger zerolog.Logger, minClient string) *Server {
	return &Server{
		pending:    make(map[string]*pending),
		signatures: make(map[string][]byte),
		minClient:  minClient,
		logger:     logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /presign", s.handlePreSign)
	mux.HandleFunc("POST /postsign", s.handlePostSign)
	mux.HandleFunc("GET /signatures/{id}", s.handleSignature)
	return mux
}

// Signature returns the detached CMS stored for a document.
func (s *Server) Signature(docID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signatures[docID]
	return sig, ok
}

func (s *Server) writeXML(w http.ResponseWriter, v any) {
	out, err := xml.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	if s.minClient != "" {
		w.Header().Set(net.MinClientHeader, s.minClient)
	}
	w.Write(out)
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		return err
	}
	return xml.Unmarshal(body, v)
}

func parseCert(b64 string) (*x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("invalid certificate encoding: %w", err)
	}
	return x509.ParseCertificate(der)
}

func (s *Server) handlePreSign(w http.ResponseWriter, r *http.Request) {
	var in net.PreSignRequest
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, "invalid pre-sign body", http.StatusBadRequest)
		return
	}
	cert, err := parseCert(in.Cert)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		http.Error(w, "only RSA certificates are supported", http.StatusBadRequest)
		return
	}

	out := net.TriphaseData{ID: in.ID}
	for _, d := range in.Documents {
		wr := net.WireRequest{ID: d.ID, OK: true}
		content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(d.Data))
		hash, herr := pkcs1.HashFor(triphase.AlgorithmName(d.Digest))
		if err != nil || herr != nil || hasParam(d.Params, ParamFail) {
			s.logger.Info().Str("request", in.ID).Str("document", d.ID).Msg("pre-sign sub-request failed")
			wr.OK = false
			out.Requests = append(out.Requests, wr)
			continue
		}

		session := uuid.NewString()
		s.mu.Lock()
		s.pending[session] = &pending{docID: d.ID, name: d.Name, hash: hash, content: content, cert: cert.Raw}
		s.mu.Unlock()

		wr.Documents = append(wr.Documents, net.WireSign{
			ID:        d.ID,
			Operation: d.Operation,
			Format:    d.Format,
			Digest:    d.Digest,
			Params: []net.WireParam{
				{Name: net.ParamSignCount, Value: "1"},
				{Name: net.ParamNeedPreSign, Value: "false"},
				{Name: net.ParamPreSign + ".0", Value: d.Data},
				{Name: paramSession, Value: session},
			},
		})
		out.Requests = append(out.Requests, wr)
	}
	s.logger.Debug().Str("request", in.ID).Int("documents", len(in.Documents)).Msg("pre-sign")
	s.writeXML(w, out)
}

func hasParam(params []net.WireParam, name string) bool {
	for _, p := range params {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (s *Server) handlePostSign(w http.ResponseWriter, r *http.Request) {
	var in net.PostSignRequest
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, "invalid post-sign body", http.StatusBadRequest)
		return
	}
	cert, err := parseCert(in.Cert)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reqs, err := net.DecodeRequests(in.Data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if in.Data.ID == "" {
		http.Error(w, "post-sign body has no request id", http.StatusBadRequest)
		return
	}

	resp := net.PostSignResponse{ID: in.Data.ID, OK: true}
	var problems []string
	for _, req := range reqs {
		for _, doc := range req.Documents {
			if err := s.complete(cert, doc); err != nil {
				s.logger.Warn().Err(err).Str("document", doc.ID).Msg("post-sign rejected document")
				problems = append(problems, fmt.Sprintf("%s: %v", doc.ID, err))
			}
		}
	}
	if len(problems) > 0 {
		resp.OK = false
		resp.Message = strings.Join(problems, "; ")
	}
	s.writeXML(w, resp)
}

func (s *Server) complete(cert *x509.Certificate, doc *triphase.DocumentRequest) error {
	cfg := doc.PartialResult
	if cfg == nil {
		return errors.New("no partial result")
	}
	session := cfg.Extra[paramSession]

	s.mu.Lock()
	p, ok := s.pending[session]
	if ok {
		delete(s.pending, session)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %q", session)
	}
	if !bytes.Equal(p.cert, cert.Raw) {
		return errors.New("certificate differs from pre-sign")
	}
	pk1 := cfg.PK1()
	if len(pk1) != 1 {
		return fmt.Errorf("expected 1 signature, got %d", len(pk1))
	}

	h := p.hash.New()
	h.Write(p.content)
	if err := rsa.VerifyPKCS1v15(cert.PublicKey.(*rsa.PublicKey), p.hash, h.Sum(nil), pk1[0]); err != nil {
		return fmt.Errorf("signature does not verify: %w", err)
	}

	cms, err := detachedCMS(p.content, p.hash, cert, pk1[0])
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.signatures[p.docID] = cms
	s.mu.Unlock()
	s.logger.Info().Str("document", p.docID).Str("name", p.name).Int("cms", len(cms)).Msg("signature stored")
	return nil
}

// precomputed hands an existing signature to pkcs7 as if it signed.
type precomputed struct {
	pub crypto.PublicKey
	sig []byte
}

func (p precomputed) Public() crypto.PublicKey { return p.pub }

func (p precomputed) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return p.sig, nil
}

func detachedCMS(content []byte, hash crypto.Hash, cert *x509.Certificate, sig []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("cms: %w", err)
	}
	oid, ok := digestOIDs[hash]
	if !ok {
		return nil, fmt.Errorf("cms: unsupported digest %s", hash)
	}
	sd.SetDigestAlgorithm(oid)
	sd.SetEncryptionAlgorithm(pkcs7.OIDEncryptionAlgorithmRSA)
	if err := sd.SignWithoutAttr(cert, precomputed{pub: cert.PublicKey, sig: sig}, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("cms: %w", err)
	}
	sd.Detach()
	return sd.Finish()
}

func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	sig, ok := s.Signature(r.PathValue("id"))
	if !ok {
		http.Error(w, "signature not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/pkcs7-signature")
	w.Write(sig)
}
