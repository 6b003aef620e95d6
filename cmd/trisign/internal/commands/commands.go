package commands

import (
	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/config"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore/builtin"
	"github.com/vocdoni/gofirma/trisign/internal/logger"
	"github.com/vocdoni/gofirma/trisign/internal/session"
)

type Globals struct {
	Debug   bool
	Config  string
	Version string
}

func (g *Globals) setup() (config.Config, zerolog.Logger, error) {
	log := logger.Setup(g.Debug)
	cfg, err := config.Load(g.Config)
	if err != nil {
		return config.Config{}, log, err
	}
	return cfg, log, nil
}

// KeystoreFlags selects the certificate source. Flags override the
// configuration file.
type KeystoreFlags struct {
	Backend     string `help:"Keystore backend (windows, apple, mozilla, pkcs12, pkcs11, vault)." short:"b"`
	Store       string `help:"PKCS#12 file, PKCS#11 library, NSS profile or vault directory." type:"path"`
	Alias       string `help:"Alias of the certificate to use."`
	PasswordEnv string `help:"Environment variable holding the store password or PIN." default:"TRISIGN_PASSWORD"`
	KeyPassEnv  string `help:"Environment variable holding the key password, when it differs from the store password." default:"TRISIGN_KEY_PASSWORD"`
	ShowExpired bool   `help:"Include expired certificates."`
}

func (k *KeystoreFlags) apply(cfg *config.Config) {
	if k.Backend != "" {
		cfg.Keystore.Backend = k.Backend
	}
	if k.Store != "" {
		cfg.Keystore.Path = k.Store
	}
	if k.Alias != "" {
		cfg.Selection.Alias = k.Alias
	}
	if k.ShowExpired {
		cfg.Selection.ShowExpired = true
	}
}

// newSession builds a session over the built-in backends for cfg.
func (k *KeystoreFlags) newSession(cfg config.Config, log zerolog.Logger, opts ...session.Option) (*session.Session, error) {
	k.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := cfg.Backend()
	if err != nil {
		return nil, err
	}

	opts = append([]session.Option{
		session.WithLogger(log),
		session.WithDialog(aliasDialog{alias: cfg.Selection.Alias}),
		session.WithPasswordPrompter(envPrompter{storeVar: k.PasswordEnv, keyVar: k.KeyPassEnv}),
		session.WithNotifier(logNotifier{log: log}),
		session.WithMandatorySelection(cfg.Selection.Mandatory),
		session.WithBackend(backend),
	}, opts...)

	s := session.New(builtin.Registry(log), opts...)
	s.SetStorePath(cfg.Keystore.Path)
	s.SetShowExpired(cfg.Selection.ShowExpired)
	s.SetLoadingWarning(s.Backend() == keystore.BackendPKCS11)
	for _, f := range cfg.Selection.Filters.CertificateFilters() {
		s.AddFilter(f)
	}
	// A mandatory selection never reaches the dialog, so the alias has to
	// narrow the candidates itself.
	if cfg.Selection.Mandatory && cfg.Selection.Alias != "" {
		s.AddFilter(keystore.AliasFilter(cfg.Selection.Alias))
	}
	log.Debug().Str("backend", s.Backend().String()).Str("store", cfg.Keystore.Path).Msg("keystore session ready")
	return s, nil
}
