// Package sigerr holds the error kinds surfaced by certificate selection and
// triphase signing. Callers branch on the kind, most importantly to tell a
// user cancellation apart from a technical failure.
package sigerr

import (
	"errors"
	"fmt"

	"github.com/vocdoni/gofirma/trisign/internal/crypto/keystore"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	Cancelled
	AlternativeStoreAvailable
	StoreInitializationFailed
	NoCertificatesFound
	CertificateSelectionFailed
	PrivateKeyExtractionFailed
	MissingPreSignature
	InvalidArgument
	NoSelection
)

var kindNames = map[Kind]string{
	KindUnknown:                "unknown",
	Cancelled:                  "operation cancelled",
	AlternativeStoreAvailable:  "alternative store available",
	StoreInitializationFailed:  "store initialization failed",
	NoCertificatesFound:        "no certificates found",
	CertificateSelectionFailed: "certificate selection failed",
	PrivateKeyExtractionFailed: "private key extraction failed",
	MissingPreSignature:        "missing pre-signature",
	InvalidArgument:            "invalid argument",
	NoSelection:                "no certificate selected",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	// Alternative is set for AlternativeStoreAvailable.
	Alternative keystore.Backend
	Err         error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Kind == AlternativeStoreAvailable && !e.Alternative.IsZero() {
		msg += " (" + e.Alternative.String() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrCancelled                  = &Error{Kind: Cancelled}
	ErrAlternativeStoreAvailable  = &Error{Kind: AlternativeStoreAvailable}
	ErrStoreInitializationFailed  = &Error{Kind: StoreInitializationFailed}
	ErrNoCertificatesFound        = &Error{Kind: NoCertificatesFound}
	ErrCertificateSelectionFailed = &Error{Kind: CertificateSelectionFailed}
	ErrPrivateKeyExtraction       = &Error{Kind: PrivateKeyExtractionFailed}
	ErrMissingPreSignature        = &Error{Kind: MissingPreSignature}
	ErrInvalidArgument            = &Error{Kind: InvalidArgument}
	ErrNoSelection                = &Error{Kind: NoSelection}
)

// New builds an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an *Error with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsCancelled reports whether err is a user cancellation, either classified
// or raw from a keystore collaborator.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, keystore.ErrCancelled)
}

// AlternativeBackend returns the suggested backend carried by err.
func AlternativeBackend(err error) (keystore.Backend, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == AlternativeStoreAvailable {
		return e.Alternative, true
	}
	return "", false
}
