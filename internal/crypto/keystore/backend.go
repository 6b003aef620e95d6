package keystore

import (
	"fmt"
	"runtime"
	"strings"
)

// Backend identifies a certificate source. The zero value means "unset".
type Backend string

const (
	BackendWindows Backend = "windows"
	BackendApple   Backend = "apple"
	BackendMozilla Backend = "mozilla"
	BackendPKCS12  Backend = "pkcs12"
	BackendPKCS11  Backend = "pkcs11"
	BackendVault   Backend = "vault"
)

var knownBackends = []Backend{
	BackendWindows,
	BackendApple,
	BackendMozilla,
	BackendPKCS12,
	BackendPKCS11,
	BackendVault,
}

// Backends returns every backend this build knows about.
func Backends() []Backend {
	out := make([]Backend, len(knownBackends))
	copy(out, knownBackends)
	return out
}

// IsZero reports whether the backend is unset.
func (b Backend) IsZero() bool {
	return b == ""
}

func (b Backend) String() string {
	return string(b)
}

// NeedsPath reports whether the backend reads its identities from a
// caller-supplied file or library path.
func (b Backend) NeedsPath() bool {
	return b == BackendPKCS12 || b == BackendPKCS11
}

// ParseBackend maps a user supplied name to a Backend.
func ParseBackend(s string) (Backend, error) {
	v := Backend(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case "pfx", "p12":
		return BackendPKCS12, nil
	case "nss", "firefox":
		return BackendMozilla, nil
	case "keychain", "macos":
		return BackendApple, nil
	case "smartcard", "token":
		return BackendPKCS11, nil
	}
	for _, b := range knownBackends {
		if v == b {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown keystore backend %q", s)
}

// DefaultBackend returns the platform default store:
//
//   - Windows: the Windows certificate store
//   - macOS:   the Apple keychain
//   - Linux:   the Mozilla/NSS database
//   - others:  a PKCS#12 file
func DefaultBackend() Backend {
	return defaultBackendFor(runtime.GOOS)
}

func defaultBackendFor(goos string) Backend {
	switch goos {
	case "windows":
		return BackendWindows
	case "darwin":
		return BackendApple
	case "linux", "solaris", "illumos":
		return BackendMozilla
	default:
		return BackendPKCS12
	}
}
