package p11

type pinSource int

const (
	pinEmpty pinSource = iota
	pinSupplied
)

// loginAttempts lists the PINs to try, in order, before a token can be used.
// A token that does not require login gets none. NSS databases without a
// master password, and tokens whose user PIN was never set, are tried with
// the empty PIN before the user is asked.
func loginAttempts(loginRequired, pinInitialized, nss bool) []pinSource {
	if !loginRequired {
		return nil
	}
	if nss || !pinInitialized {
		return []pinSource{pinEmpty, pinSupplied}
	}
	return []pinSource{pinSupplied}
}
