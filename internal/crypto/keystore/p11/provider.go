//go:build cgo

package p11

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"unsafe"

	"github.com/miekg/pkcs11"
	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
)

// ErrWrongPIN is returned when the token rejects the PIN.
var ErrWrongPIN = errors.New("pkcs11: incorrect PIN")

type entry struct {
	alias string
	slot  uint
	id    []byte
	cert  *x509.Certificate
}

// Provider is an initialized PKCS#11 module with the certificates found in
// its present tokens. Calls into the module are serialized.
type Provider struct {
	mu       sync.Mutex
	module   *pkcs11.Ctx
	sessions map[uint]pkcs11.SessionHandle
	loggedIn map[uint]bool
	entries  []*entry
	nss      bool
	logger   zerolog.Logger
}

// Opener returns a keystore.Opener for a PKCS#11 library given as path.
func Opener(logger zerolog.Logger) keystore.Opener {
	return func(ctx context.Context, path string, _ keystore.PasswordSupplier) (keystore.Provider, error) {
		if strings.TrimSpace(path) == "" {
			return nil, errors.New("pkcs11: a module library path is required")
		}
		p, err := open(ctx, path, "", logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// MozillaOpener returns a keystore.Opener for an NSS profile directory given
// as path. An empty path selects the default profile of the current user.
func MozillaOpener(logger zerolog.Logger) keystore.Opener {
	return func(ctx context.Context, path string, _ keystore.PasswordSupplier) (keystore.Provider, error) {
		lib := NSSLibrary()
		if lib == "" {
			return nil, fmt.Errorf("%w: NSS softoken library not found", keystore.ErrBackendUnavailable)
		}
		if path == "" {
			path = DefaultMozillaProfile()
		}
		if path == "" {
			return nil, fmt.Errorf("%w: no Mozilla profile found", keystore.ErrBackendUnavailable)
		}
		p, err := open(ctx, lib, path, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

func open(ctx context.Context, lib, nssProfile string, logger zerolog.Logger) (*Provider, error) {
	module := pkcs11.New(lib)
	if module == nil {
		return nil, fmt.Errorf("%w: cannot load PKCS#11 library %s", keystore.ErrBackendUnavailable, lib)
	}

	var err error
	if nssProfile != "" {
		params := append([]byte(nssInitParams(nssProfile)), 0)
		err = module.Initialize(pkcs11.InitializeWithReserved(unsafe.Pointer(&params[0])))
		if err != nil {
			logger.Debug().Err(err).Msg("NSS initialize with profile parameters failed, retrying plain")
			err = module.Initialize()
		}
	} else {
		err = module.Initialize()
	}
	if err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)) {
		module.Destroy()
		return nil, fmt.Errorf("pkcs11 initialize: %w", err)
	}

	p := &Provider{
		module:   module,
		sessions: make(map[uint]pkcs11.SessionHandle),
		loggedIn: make(map[uint]bool),
		nss:      nssProfile != "",
		logger:   logger,
	}
	if err := p.scan(ctx); err != nil {
		p.Close()
		return nil, err
	}
	logger.Debug().Str("library", lib).Int("certificates", len(p.entries)).Msg("pkcs11 module scanned")
	return p, nil
}

func (p *Provider) scan(ctx context.Context) error {
	slots, err := p.module.GetSlotList(true)
	if err != nil {
		return fmt.Errorf("pkcs11 slot list: %w", err)
	}
	used := make(map[string]int)
	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return err
		}
		session, err := p.module.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
		if err != nil {
			p.logger.Debug().Uint("slot", slot).Err(err).Msg("open session failed")
			continue
		}
		p.sessions[slot] = session

		objs, err := p.find(session, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		}, 1000)
		if err != nil {
			p.logger.Debug().Uint("slot", slot).Err(err).Msg("certificate search failed")
			continue
		}
		for _, obj := range objs {
			attrs, err := p.module.GetAttributeValue(session, obj, []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
				pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
				pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
			})
			if err != nil || len(attrs) < 3 || len(attrs[0].Value) == 0 {
				continue
			}
			cert, err := x509.ParseCertificate(attrs[0].Value)
			if err != nil {
				continue
			}
			alias := strings.TrimSpace(string(attrs[1].Value))
			if alias == "" {
				alias = cert.Subject.CommonName
			}
			if n := used[alias]; n > 0 {
				used[alias] = n + 1
				alias = fmt.Sprintf("%s (%d)", alias, n+1)
			} else {
				used[alias] = 1
			}
			p.entries = append(p.entries, &entry{alias: alias, slot: slot, id: attrs[2].Value, cert: cert})
		}
	}
	return nil
}

func (p *Provider) find(session pkcs11.SessionHandle, tmpl []*pkcs11.Attribute, max int) ([]pkcs11.ObjectHandle, error) {
	if err := p.module.FindObjectsInit(session, tmpl); err != nil {
		return nil, err
	}
	objs, _, err := p.module.FindObjects(session, max)
	if ferr := p.module.FindObjectsFinal(session); err == nil {
		err = ferr
	}
	return objs, err
}

func (p *Provider) lookup(alias string) (*entry, error) {
	for _, e := range p.entries {
		if e.alias == alias {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", keystore.ErrNotFound, alias)
}

func (p *Provider) Aliases(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.alias)
	}
	return out, nil
}

func (p *Provider) Certificate(_ context.Context, alias string) (*x509.Certificate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.lookup(alias)
	if err != nil {
		return nil, err
	}
	return e.cert, nil
}

// PrivateKeyEntry logs into the token holding alias when it requires it,
// asking pw for the PIN only if the empty one is not accepted, and returns a signer bound to the matching private key object.
func (p *Provider) PrivateKeyEntry(ctx context.Context, alias string, pw keystore.PasswordSupplier) (*keystore.KeyEntry, error) {
	p.mu.Lock()
	e, err := p.lookup(alias)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := p.login(ctx, e.slot, pw); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	objs, err := p.find(p.sessions[e.slot], []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, e.id),
	}, 1)
	if err != nil {
		return nil, fmt.Errorf("pkcs11 private key search: %w", err)
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("%w: %s", keystore.ErrNoPrivateKey, alias)
	}
	return &keystore.KeyEntry{
		Alias:       alias,
		Certificate: e.cert,
		Chain:       []*x509.Certificate{e.cert},
		Signer:      &tokenSigner{p: p, slot: e.slot, key: objs[0], pub: e.cert.PublicKey},
	}, nil
}

func (p *Provider) login(ctx context.Context, slot uint, pw keystore.PasswordSupplier) error {
	p.mu.Lock()
	done := p.loggedIn[slot]
	var (
		info pkcs11.TokenInfo
		err  error
	)
	if !done {
		info, err = p.module.GetTokenInfo(slot)
	}
	p.mu.Unlock()
	if done {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pkcs11 token info: %w", err)
	}

	attempts := loginAttempts(
		info.Flags&pkcs11.CKF_LOGIN_REQUIRED != 0,
		info.Flags&pkcs11.CKF_USER_PIN_INITIALIZED != 0,
		p.nss,
	)
	if len(attempts) == 0 {
		p.logger.Debug().Uint("slot", slot).Msg("token does not require login")
		return nil
	}
	for _, src := range attempts {
		var pin []byte
		if src == pinSupplied {
			if pin, err = pw.Password(ctx); err != nil {
				return err
			}
		}
		err = p.loginWith(slot, pin)
		keystore.Zero(pin)
		if err == nil || src == pinSupplied {
			return err
		}
		p.logger.Debug().Uint("slot", slot).Err(err).Msg("empty PIN not accepted")
	}
	return err
}

func (p *Provider) loginWith(slot uint, pin []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.module.Login(p.sessions[slot], pkcs11.CKU_USER, string(pin))
	switch {
	case err == nil, errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)):
		p.loggedIn[slot] = true
		return nil
	case errors.Is(err, pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)):
		return ErrWrongPIN
	default:
		return fmt.Errorf("pkcs11 login: %w", err)
	}
}

// Close logs out, closes every session and unloads the module.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.module == nil {
		return nil
	}
	for slot, s := range p.sessions {
		if p.loggedIn[slot] {
			_ = p.module.Logout(s)
		}
		_ = p.module.CloseSession(s)
	}
	err := p.module.Finalize()
	p.module.Destroy()
	p.module = nil
	p.sessions = nil
	p.loggedIn = nil
	return err
}

type tokenSigner struct {
	p    *Provider
	slot uint
	key  pkcs11.ObjectHandle
	pub  crypto.PublicKey
}

func (s *tokenSigner) Public() crypto.PublicKey {
	return s.pub
}

func (s *tokenSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	var mech *pkcs11.Mechanism
	input := digest
	switch s.pub.(type) {
	case *rsa.PublicKey:
		if _, ok := opts.(*rsa.PSSOptions); ok {
			return nil, errors.New("pkcs11: RSA-PSS is not supported")
		}
		wrapped, err := wrapDigest(opts.HashFunc(), digest)
		if err != nil {
			return nil, err
		}
		input = wrapped
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	default:
		return nil, fmt.Errorf("pkcs11: unsupported key type %T", s.pub)
	}

	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.module == nil {
		return nil, errors.New("pkcs11: provider closed")
	}
	session := s.p.sessions[s.slot]
	if err := s.p.module.SignInit(session, []*pkcs11.Mechanism{mech}, s.key); err != nil {
		return nil, fmt.Errorf("pkcs11 sign init: %w", err)
	}
	sig, err := s.p.module.Sign(session, input)
	if err != nil {
		return nil, fmt.Errorf("pkcs11 sign: %w", err)
	}
	if _, ok := s.pub.(*ecdsa.PublicKey); ok {
		return ecdsaDER(sig)
	}
	return sig, nil
}

// ecdsaDER converts a raw r||s token signature to ASN.1.
func ecdsaDER(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, errors.New("pkcs11: invalid ECDSA signature length")
	}
	n := len(raw) / 2
	return asn1.Marshal(struct{ R, S *big.Int }{
		new(big.Int).SetBytes(raw[:n]),
		new(big.Int).SetBytes(raw[n:]),
	})
}
