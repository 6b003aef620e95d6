package keystore

import "context"

// PasswordSupplier yields the password for a store or a key. Interactive
// implementations return ErrCancelled when the user aborts.
type PasswordSupplier interface {
	Password(ctx context.Context) ([]byte, error)
}

// FixedPassword is a pre-set password.
type FixedPassword []byte

func (p FixedPassword) Password(context.Context) ([]byte, error) {
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

// PasswordFunc adapts a function to PasswordSupplier.
type PasswordFunc func(ctx context.Context) ([]byte, error)

func (f PasswordFunc) Password(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// NoPassword supplies an empty password, for stores that do not need one.
var NoPassword PasswordSupplier = FixedPassword(nil)

// Zero overwrites b.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
