// Package builtin assembles the keystore registry with every provider
// compiled into this build.
package builtin

import (
	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore/osstore"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore/p11"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore/p12"
	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore/vault"
)

// Registry returns a registry serving every backend. Platform and token
// stores fall back to a PKCS#12 file when they cannot be used.
func Registry(logger zerolog.Logger) *keystore.Registry {
	r := keystore.NewRegistry(logger)
	r.Register(keystore.BackendWindows, osstore.Opener(logger))
	r.Register(keystore.BackendApple, osstore.Opener(logger))
	r.Register(keystore.BackendMozilla, p11.MozillaOpener(logger))
	r.Register(keystore.BackendPKCS11, p11.Opener(logger))
	r.Register(keystore.BackendPKCS12, p12.Open)
	r.Register(keystore.BackendVault, vault.Opener(logger))

	for _, b := range []keystore.Backend{keystore.BackendWindows, keystore.BackendApple, keystore.BackendMozilla, keystore.BackendPKCS11} {
		r.SetFallback(b, keystore.BackendPKCS12)
	}
	return r
}
