package triphase

import "sort"

// Document is one item of a sign request.
type Document struct {
	ID              string
	Name            string
	Operation       string
	Format          string
	DigestAlgorithm string
	Data            []byte
	Params          map[string]string
}

// SignRequest is an application level batch of documents to sign.
type SignRequest struct {
	ID        string
	Documents []Document
}

// Request is one sub-request derived by the server during pre-sign.
type Request struct {
	ID        string
	StatusOK  bool
	Documents []*DocumentRequest
}

// DocumentRequest carries the server state for one document between the
// three phases.
type DocumentRequest struct {
	ID              string
	Operation       string
	Format          string
	DigestAlgorithm string
	PartialResult   *ConfigData
}

// ConfigData is the partial result exchanged with the server. PreSign is
// sparse: an index may be missing. PK1 grows in signature index order.
type ConfigData struct {
	preSign     map[int][]byte
	pk1         [][]byte
	SignCount   *int
	NeedPreSign *bool
	// Extra holds opaque parameters that must be echoed back to the server.
	Extra map[string]string
}

// NewConfigData returns an empty partial result.
func NewConfigData() *ConfigData {
	return &ConfigData{preSign: make(map[int][]byte), Extra: make(map[string]string)}
}

// Count returns the number of signatures to produce. An absent SignCount
// means one.
func (c *ConfigData) Count() int {
	if c == nil || c.SignCount == nil {
		return 1
	}
	return *c.SignCount
}

// KeepPreSign reports whether consumed pre-signatures must be kept.
func (c *ConfigData) KeepPreSign() bool {
	return c != nil && c.NeedPreSign != nil && *c.NeedPreSign
}

// PreSign returns the pre-signature for index i.
func (c *ConfigData) PreSign(i int) ([]byte, bool) {
	if c == nil || c.preSign == nil {
		return nil, false
	}
	b, ok := c.preSign[i]
	return b, ok
}

// SetPreSign stores the pre-signature for index i. A nil value removes it.
func (c *ConfigData) SetPreSign(i int, b []byte) {
	if c.preSign == nil {
		c.preSign = make(map[int][]byte)
	}
	if b == nil {
		delete(c.preSign, i)
		return
	}
	c.preSign[i] = b
}

// PreSignIndexes returns the indexes holding a pre-signature, sorted.
func (c *ConfigData) PreSignIndexes() []int {
	if c == nil {
		return nil
	}
	idx := make([]int, 0, len(c.preSign))
	for i := range c.preSign {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// AddPK1 appends a PKCS#1 signature.
func (c *ConfigData) AddPK1(sig []byte) {
	c.pk1 = append(c.pk1, sig)
}

// PK1 returns the PKCS#1 signatures in index order.
func (c *ConfigData) PK1() [][]byte {
	if c == nil {
		return nil
	}
	return c.pk1
}

// Result is the outcome for one SignRequest.
type Result struct {
	ID string
	OK bool
}

// IntPtr and BoolPtr help building ConfigData literals.
func IntPtr(v int) *int { return &v }

func BoolPtr(v bool) *bool { return &v }
