//go:build !((darwin || windows) && cgo)

package osstore

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
)

// Opener reports the platform store as unavailable on this build.
func Opener(zerolog.Logger) keystore.Opener {
	return func(context.Context, string, keystore.PasswordSupplier) (keystore.Provider, error) {
		return nil, fmt.Errorf("%w: no system certificate store on %s", keystore.ErrBackendUnavailable, runtime.GOOS)
	}
}
