package net

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocdoni/gofirma/trisign/internal/triphase"
	"github.com/vocdoni/gofirma/trisign/internal/version"
)

var leaf = &x509.Certificate{Raw: []byte("leaf-der")}

func preSignResponse() TriphaseData {
	return TriphaseData{Requests: []WireRequest{{
		ID: "r1",
		OK: true,
		Documents: []WireSign{{
			ID:     "d1",
			Digest: "SHA-256",
			Params: []WireParam{
				{ParamSignCount, "2"},
				{indexed(ParamPreSign, 0), base64.StdEncoding.EncodeToString([]byte("a"))},
				{indexed(ParamPreSign, 1), base64.StdEncoding.EncodeToString([]byte("b"))},
				{"SESSION", "opaque-token"},
			},
		}},
	}}}
}

func TestWireRoundTrip(t *testing.T) {
	reqs, err := DecodeRequests(preSignResponse())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	cfg := reqs[0].Documents[0].PartialResult
	assert.Equal(t, 2, cfg.Count())
	assert.Equal(t, "opaque-token", cfg.Extra["SESSION"])

	cfg.AddPK1([]byte("s0"))
	cfg.SetPreSign(0, nil)
	back := EncodeRequests("batch", reqs)
	assert.Equal(t, "batch", back.ID)

	params := map[string]string{}
	for _, p := range back.Requests[0].Documents[0].Params {
		params[p.Name] = p.Value
	}
	assert.NotContains(t, params, "PRE.0")
	assert.Contains(t, params, "PRE.1")
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("s0")), params["PK1.0"])
	assert.Equal(t, "opaque-token", params["SESSION"])
	assert.Equal(t, "2", params["SIGN_COUNT"])
}

func TestDecodeRejectsBadParams(t *testing.T) {
	data := TriphaseData{Requests: []WireRequest{{ID: "r", OK: true, Documents: []WireSign{{
		ID:     "d",
		Params: []WireParam{{ParamSignCount, "many"}},
	}}}}}
	_, err := DecodeRequests(data)
	require.Error(t, err)
}

func TestClientPreSignRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, preSignPath, r.URL.Path)
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var in PreSignRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, xml.Unmarshal(body, &in))
		assert.Equal(t, "batch", in.ID)
		assert.Equal(t, base64.StdEncoding.EncodeToString(leaf.Raw), in.Cert)
		require.Len(t, in.Documents, 1)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("doc")), in.Documents[0].Data)

		out, _ := xml.Marshal(preSignResponse())
		w.Write(out)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(5, time.Millisecond))
	reqs, err := c.PreSign(context.Background(), triphase.SignRequest{
		ID:        "batch",
		Documents: []triphase.Document{{ID: "d1", DigestAlgorithm: "SHA-256", Data: []byte("doc")}},
	}, leaf)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, reqs, 1)
	pre, ok := reqs[0].Documents[0].PartialResult.PreSign(1)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), pre)
}

func TestClientPreSignDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad certificate", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, WithRetry(5, time.Millisecond)).PreSign(context.Background(), triphase.SignRequest{ID: "x"}, leaf)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientPostSign(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, postSignPath, r.URL.Path)
		assert.Equal(t, version.UserAgent(), r.Header.Get("User-Agent"))
		assert.Equal(t, "application/xml", r.Header.Get("Content-Type"))
		var in PostSignRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, xml.Unmarshal(body, &in))
		require.Len(t, in.Data.Requests, 1)
		assert.Equal(t, "batch", in.Data.ID)
		out, _ := xml.Marshal(PostSignResponse{ID: in.Data.ID, OK: true})
		w.Write(out)
	}))
	defer srv.Close()

	reqs, err := DecodeRequests(preSignResponse())
	require.NoError(t, err)
	res, err := NewClient(srv.URL).PostSign(context.Background(), "batch", reqs, leaf)
	require.NoError(t, err)
	assert.Equal(t, triphase.Result{ID: "batch", OK: true}, res)

	t.Run("answer for another request", func(t *testing.T) {
		other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			out, _ := xml.Marshal(PostSignResponse{ID: "someone-else", OK: true})
			w.Write(out)
		}))
		defer other.Close()
		_, err := NewClient(other.URL).PostSign(context.Background(), "batch", reqs, leaf)
		require.ErrorContains(t, err, "someone-else")
	})

	t.Run("server error is not retried", func(t *testing.T) {
		calls.Store(0)
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer failing.Close()
		_, err := NewClient(failing.URL).PostSign(context.Background(), "batch", reqs, leaf)
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestClientWarnsOnceWhenOutdated(t *testing.T) {
	old := version.Version
	t.Cleanup(func() { version.Version = old })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(MinClientHeader, "v0.2.0")
		out, _ := xml.Marshal(PostSignResponse{OK: true})
		w.Write(out)
	}))
	defer srv.Close()

	reqs, err := DecodeRequests(preSignResponse())
	require.NoError(t, err)
	for _, tc := range []struct {
		build string
		warns int
	}{
		{"v0.1.9", 1},
		{"v0.2.0", 0},
		{"dev", 0},
	} {
		t.Run(tc.build, func(t *testing.T) {
			version.Version = tc.build
			var logs bytes.Buffer
			c := NewClient(srv.URL, WithLogger(zerolog.New(&logs)))
			for range 2 {
				_, err := c.PostSign(context.Background(), "batch", reqs, leaf)
				require.NoError(t, err)
			}
			assert.Equal(t, tc.warns, strings.Count(logs.String(), "client is older than the service requires"))
		})
	}
}
