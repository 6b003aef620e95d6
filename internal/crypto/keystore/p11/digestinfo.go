package p11

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

var digestOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   {1, 3, 14, 3, 2, 26},
	crypto.SHA224: {2, 16, 840, 1, 101, 3, 4, 2, 4},
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

type digestInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	Digest    []byte
}

// digestInfoPrefix returns the DER DigestInfo header that CKM_RSA_PKCS
// expects in front of a digest of the given hash.
func digestInfoPrefix(h crypto.Hash) ([]byte, error) {
	oid, ok := digestOIDs[h]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm: %v", h)
	}
	full, err := asn1.Marshal(digestInfo{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue},
		Digest:    make([]byte, h.Size()),
	})
	if err != nil {
		return nil, err
	}
	return full[:len(full)-h.Size()], nil
}

// wrapDigest prepends the DigestInfo header to digest.
func wrapDigest(h crypto.Hash, digest []byte) ([]byte, error) {
	if len(digest) != h.Size() {
		return nil, fmt.Errorf("digest length %d does not match %v", len(digest), h)
	}
	prefix, err := digestInfoPrefix(h)
	if err != nil {
		return nil, err
	}
	return append(prefix, digest...), nil
}
