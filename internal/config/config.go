// Package config loads the trisign YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Keystore  Keystore  `yaml:"keystore"`
	Selection Selection `yaml:"selection"`
	Audit     Audit     `yaml:"audit"`
}

type Server struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries uint          `yaml:"retries"`
}

type Keystore struct {
	// Backend is a keystore.Backend name or alias ("pfx", "nss", ...).
	// Empty selects the platform default.
	Backend string `yaml:"backend"`
	// Path is the PKCS#12 file, PKCS#11 library, NSS profile or vault
	// directory, depending on the backend.
	Path string `yaml:"path"`
}

type Selection struct {
	Alias       string  `yaml:"alias"`
	Mandatory   bool    `yaml:"mandatory"`
	ShowExpired bool    `yaml:"show_expired"`
	Filters     Filters `yaml:"filters"`
}

type Filters struct {
	Issuer      string `yaml:"issuer"`
	Subject     string `yaml:"subject"`
	Fingerprint string `yaml:"fingerprint"`
	HolderID    string `yaml:"holder_id"`
	SigningOnly bool   `yaml:"signing_only"`
}

type Audit struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			Timeout: 30 * time.Second,
			Retries: 4,
		},
		Audit: Audit{
			Enabled: true,
			Dir:     defaultAuditDir(),
		},
	}
}

func defaultAuditDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "trisign")
	}
	return filepath.Join(dir, "trisign")
}

// Load reads path over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.url %q is not an http(s) URL", c.Server.URL))
		}
	}
	if c.Server.Timeout < 0 {
		errs = append(errs, errors.New("server.timeout must not be negative"))
	}
	if c.Keystore.Backend != "" {
		b, err := keystore.ParseBackend(c.Keystore.Backend)
		if err != nil {
			errs = append(errs, err)
		} else if b.NeedsPath() && c.Keystore.Path == "" {
			errs = append(errs, fmt.Errorf("keystore.path is required for the %s backend", b))
		}
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		errs = append(errs, errors.New("audit.dir is required when audit is enabled"))
	}
	return errors.Join(errs...)
}

// Backend returns the configured backend, or the zero value for the
// platform default.
func (c Config) Backend() (keystore.Backend, error) {
	if c.Keystore.Backend == "" {
		return "", nil
	}
	return keystore.ParseBackend(c.Keystore.Backend)
}

// CertificateFilters builds the selection filters in a stable order.
func (f Filters) CertificateFilters() []keystore.CertificateFilter {
	var out []keystore.CertificateFilter
	if f.SigningOnly {
		out = append(out, keystore.SigningKeyUsageFilter())
	}
	if f.Issuer != "" {
		out = append(out, keystore.IssuerFilter(f.Issuer))
	}
	if f.Subject != "" {
		out = append(out, keystore.SubjectFilter(f.Subject))
	}
	if f.Fingerprint != "" {
		out = append(out, keystore.FingerprintFilter(f.Fingerprint))
	}
	if f.HolderID != "" {
		out = append(out, keystore.HolderIDFilter(f.HolderID))
	}
	return out
}
