package triphase

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocdoni/gofirma/trisign/internal/sigerr"
)

type fakeRemote struct {
	reqs       []*Request
	preErr     error
	postResult *Result
	preLeaf    *x509.Certificate
	postLeaf   *x509.Certificate
	postCalls  int
	postID     string
	posted     []*Request
}

func (f *fakeRemote) PreSign(_ context.Context, _ SignRequest, leaf *x509.Certificate) ([]*Request, error) {
	f.preLeaf = leaf
	return f.reqs, f.preErr
}

func (f *fakeRemote) PostSign(_ context.Context, id string, reqs []*Request, leaf *x509.Certificate) (Result, error) {
	f.postCalls++
	f.postID = id
	f.postLeaf = leaf
	f.posted = reqs
	if f.postResult != nil {
		return *f.postResult, nil
	}
	return Result{ID: id, OK: true}, nil
}

type call struct {
	data      string
	algorithm string
}

type recordingSigner struct {
	calls  []call
	failOn string
}

func (r *recordingSigner) Sign(data []byte, algorithm string, _ crypto.Signer, _ []*x509.Certificate) ([]byte, error) {
	r.calls = append(r.calls, call{string(data), algorithm})
	if r.failOn != "" && string(data) == r.failOn {
		return nil, errors.New("token error")
	}
	return []byte("sig-" + string(data)), nil
}

func testChain(t *testing.T) (crypto.Signer, []*x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	// A second entry stands in for the issuer; it must never reach the server.
	return key, []*x509.Certificate{leaf, {Raw: []byte("issuer")}}
}

func doc(id, digest string, count *int, pre ...string) *DocumentRequest {
	cfg := NewConfigData()
	cfg.SignCount = count
	for i, p := range pre {
		if p != "" {
			cfg.SetPreSign(i, []byte(p))
		}
	}
	return &DocumentRequest{ID: id, DigestAlgorithm: digest, PartialResult: cfg}
}

func TestAlgorithmName(t *testing.T) {
	cases := map[string]string{
		"SHA-512": "SHA512withRSA",
		"SHA-256": "SHA256withRSA",
		"SHA1":    "SHA1withRSA",
	}
	for in, want := range cases {
		assert.Equal(t, want, AlgorithmName(in), in)
	}
}

func TestSignHappyPath(t *testing.T) {
	key, chain := testChain(t)
	remote := &fakeRemote{reqs: []*Request{
		{ID: "r1", StatusOK: true, Documents: []*DocumentRequest{doc("d1", "SHA-256", nil, "a")}},
		{ID: "r2", StatusOK: true, Documents: []*DocumentRequest{doc("d2", "SHA-512", IntPtr(2), "b", "c")}},
	}}
	raw := &recordingSigner{}

	var phases []Phase
	s := New(raw, WithObserver(func(_ string, _, to Phase, _ error) { phases = append(phases, to) }))
	res := s.Sign(context.Background(), SignRequest{ID: "batch"}, key, chain, remote)

	assert.Equal(t, Result{ID: "batch", OK: true}, res)
	assert.Equal(t, "batch", remote.postID)
	assert.Equal(t, []call{
		{"a", "SHA256withRSA"},
		{"b", "SHA512withRSA"},
		{"c", "SHA512withRSA"},
	}, raw.calls)
	assert.Same(t, chain[0], remote.preLeaf)
	assert.Same(t, chain[0], remote.postLeaf)
	assert.Equal(t, 1, remote.postCalls)
	assert.Equal(t, [][]byte{[]byte("sig-b"), []byte("sig-c")}, remote.posted[1].Documents[0].PartialResult.PK1())
	assert.Equal(t, []Phase{PhasePreSigned, PhaseSigned, PhasePostSigned}, phases)
}

func TestFailedSubRequestAbortsBatch(t *testing.T) {
	key, chain := testChain(t)
	statuses := []bool{true, true, false, true, true}
	var reqs []*Request
	for i, ok := range statuses {
		reqs = append(reqs, &Request{
			ID:        string(rune('a' + i)),
			StatusOK:  ok,
			Documents: []*DocumentRequest{doc("d", "SHA-256", nil, string(rune('a'+i)))},
		})
	}
	remote := &fakeRemote{reqs: reqs}
	raw := &recordingSigner{}

	res := New(raw).Sign(context.Background(), SignRequest{ID: "batch-1"}, key, chain, remote)
	assert.Equal(t, Result{ID: "batch-1", OK: false}, res)
	assert.Zero(t, remote.postCalls)
	assert.Len(t, raw.calls, 2)
}

func TestSignCountFanOut(t *testing.T) {
	key, chain := testChain(t)

	t.Run("signs every index in order", func(t *testing.T) {
		d := doc("d", "SHA-256", IntPtr(3), "a", "b", "c")
		remote := &fakeRemote{reqs: []*Request{{ID: "r", StatusOK: true, Documents: []*DocumentRequest{d}}}}
		raw := &recordingSigner{}

		res := New(raw).Sign(context.Background(), SignRequest{ID: "x"}, key, chain, remote)
		require.True(t, res.OK)
		require.Len(t, raw.calls, 3)
		assert.Equal(t, "a", raw.calls[0].data)
		assert.Equal(t, "b", raw.calls[1].data)
		assert.Equal(t, "c", raw.calls[2].data)
		assert.Equal(t, [][]byte{[]byte("sig-a"), []byte("sig-b"), []byte("sig-c")}, d.PartialResult.PK1())
	})

	t.Run("missing pre-signature stops before next index", func(t *testing.T) {
		d := doc("d", "SHA-256", IntPtr(3), "a", "", "c")
		remote := &fakeRemote{reqs: []*Request{{ID: "r", StatusOK: true, Documents: []*DocumentRequest{d}}}}
		raw := &recordingSigner{}

		var lastErr error
		s := New(raw, WithObserver(func(_ string, _, to Phase, err error) {
			if to == PhaseFailed {
				lastErr = err
			}
		}))
		res := s.Sign(context.Background(), SignRequest{ID: "x"}, key, chain, remote)
		assert.False(t, res.OK)
		assert.Equal(t, []call{{"a", "SHA256withRSA"}}, raw.calls)
		assert.Zero(t, remote.postCalls)
		require.ErrorIs(t, lastErr, sigerr.ErrMissingPreSignature)
	})
}

func TestPreSignHygiene(t *testing.T) {
	key, chain := testChain(t)
	for _, tc := range []struct {
		name string
		need *bool
		keep bool
	}{
		{"absent", nil, false},
		{"false", BoolPtr(false), false},
		{"true", BoolPtr(true), true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := doc("d", "SHA-256", IntPtr(2), "a", "b")
			d.PartialResult.NeedPreSign = tc.need
			remote := &fakeRemote{reqs: []*Request{{ID: "r", StatusOK: true, Documents: []*DocumentRequest{d}}}}

			require.True(t, New(&recordingSigner{}).Sign(context.Background(), SignRequest{ID: "x"}, key, chain, remote).OK)
			for i := 0; i < 2; i++ {
				_, ok := d.PartialResult.PreSign(i)
				assert.Equal(t, tc.keep, ok, "index %d", i)
			}
		})
	}
}

func TestSignFailures(t *testing.T) {
	key, chain := testChain(t)

	t.Run("pre-sign error", func(t *testing.T) {
		remote := &fakeRemote{preErr: errors.New("unreachable")}
		res := New(&recordingSigner{}).Sign(context.Background(), SignRequest{ID: "x"}, key, chain, remote)
		assert.Equal(t, Result{ID: "x"}, res)
		assert.Zero(t, remote.postCalls)
	})

	t.Run("raw sign error", func(t *testing.T) {
		remote := &fakeRemote{reqs: []*Request{{ID: "r", StatusOK: true, Documents: []*DocumentRequest{
			doc("d1", "SHA-256", nil, "boom"),
			doc("d2", "SHA-256", nil, "never"),
		}}}}
		raw := &recordingSigner{failOn: "boom"}
		res := New(raw).Sign(context.Background(), SignRequest{ID: "x"}, key, chain, remote)
		assert.False(t, res.OK)
		assert.Len(t, raw.calls, 1)
		assert.Zero(t, remote.postCalls)
	})

	t.Run("post-sign result is returned as is", func(t *testing.T) {
		remote := &fakeRemote{
			reqs:       []*Request{{ID: "r", StatusOK: true, Documents: []*DocumentRequest{doc("d", "SHA-256", nil, "a")}}},
			postResult: &Result{ID: "x", OK: false},
		}
		var last error
		s := New(&recordingSigner{}, WithObserver(func(_ string, _, _ Phase, err error) { last = err }))
		res := s.Sign(context.Background(), SignRequest{ID: "x"}, key, chain, remote)
		assert.Equal(t, Result{ID: "x", OK: false}, res)
		assert.ErrorIs(t, last, ErrRejected)
	})

	t.Run("result without id names the request", func(t *testing.T) {
		remote := &fakeRemote{
			reqs:       []*Request{{ID: "r", StatusOK: true, Documents: []*DocumentRequest{doc("d", "SHA-256", nil, "a")}}},
			postResult: &Result{OK: true},
		}
		res := New(&recordingSigner{}).Sign(context.Background(), SignRequest{ID: "batch-7"}, key, chain, remote)
		assert.Equal(t, Result{ID: "batch-7", OK: true}, res)
		assert.Equal(t, "batch-7", remote.postID)
	})

	t.Run("missing key", func(t *testing.T) {
		remote := &fakeRemote{}
		res := New(&recordingSigner{}).Sign(context.Background(), SignRequest{ID: "x"}, nil, chain, remote)
		assert.False(t, res.OK)
		assert.Nil(t, remote.preLeaf)
	})
}

func TestConfigDataDefaults(t *testing.T) {
	var nilCfg *ConfigData
	assert.Equal(t, 1, nilCfg.Count())
	assert.False(t, nilCfg.KeepPreSign())

	cfg := NewConfigData()
	assert.Equal(t, 1, cfg.Count())
	cfg.SetPreSign(2, []byte("x"))
	cfg.SetPreSign(0, []byte("y"))
	assert.Equal(t, []int{0, 2}, cfg.PreSignIndexes())
	_, ok := cfg.PreSign(1)
	assert.False(t, ok)
}
