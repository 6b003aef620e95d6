//go:build !cgo

package p11

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
)

// Opener reports the backend as unavailable: PKCS#11 needs cgo.
func Opener(zerolog.Logger) keystore.Opener {
	return unavailable
}

// MozillaOpener reports the backend as unavailable: NSS access needs cgo.
func MozillaOpener(zerolog.Logger) keystore.Opener {
	return unavailable
}

func unavailable(context.Context, string, keystore.PasswordSupplier) (keystore.Provider, error) {
	return nil, fmt.Errorf("%w: pkcs11 support is not built in (cgo disabled)", keystore.ErrBackendUnavailable)
}
