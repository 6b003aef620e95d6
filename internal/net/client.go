// Package net talks to the remote triphase signing service over HTTP with
// XML bodies.
package net

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/vocdoni/gofirma/trisign/internal/triphase"
	"github.com/vocdoni/gofirma/trisign/internal/version"
)

const (
	preSignPath  = "/presign"
	postSignPath = "/postsign"

	defaultTimeout  = 30 * time.Second
	defaultMaxTries = 4
	maxBodySize     = 32 << 20

	// MinClientHeader carries the oldest client version the service accepts.
	MinClientHeader = "X-Trisign-Min-Client"
)

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status code: %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// Client implements triphase.RemoteService.
type Client struct {
	baseURL  string
	http     *http.Client
	maxTries uint
	initial  time.Duration
	logger   zerolog.Logger
	warned   atomic.Bool
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetry sets how many times pre-sign is attempted and the first delay
// between attempts.
func WithRetry(tries uint, initial time.Duration) Option {
	return func(c *Client) {
		if tries > 0 {
			c.maxTries = tries
		}
		if initial > 0 {
			c.initial = initial
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: defaultTimeout},
		maxTries: defaultMaxTries,
		initial:  500 * time.Millisecond,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PreSign sends the documents and the signing certificate and returns the
// sub-requests derived by the server. Transport errors and 5xx answers are
// retried with exponential backoff.
func (c *Client) PreSign(ctx context.Context, req triphase.SignRequest, leaf *x509.Certificate) ([]*triphase.Request, error) {
	body, err := xml.Marshal(NewPreSignRequest(req, leaf))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pre-sign request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	attempt := 0
	raw, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		raw, err := c.post(ctx, preSignPath, body)
		if err == nil {
			return raw, nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
			return nil, backoff.Permanent(err)
		}
		c.logger.Debug().Err(err).Int("attempt", attempt).Msg("pre-sign attempt failed")
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return nil, fmt.Errorf("pre-sign: %w", err)
	}

	var data TriphaseData
	if err := xml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode pre-sign response: %w", err)
	}
	reqs, err := DecodeRequests(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pre-sign response: %w", err)
	}
	c.logger.Debug().Str("request", req.ID).Int("subrequests", len(reqs)).Int("bytes", len(raw)).Msg("pre-sign response")
	return reqs, nil
}

// PostSign sends the PKCS#1 signatures. It is attempted once: the server may
// already have stored the result.
func (c *Client) PostSign(ctx context.Context, requestID string, reqs []*triphase.Request, leaf *x509.Certificate) (triphase.Result, error) {
	body, err := xml.Marshal(PostSignRequest{Cert: encodeCert(leaf), Data: EncodeRequests(requestID, reqs)})
	if err != nil {
		return triphase.Result{}, fmt.Errorf("failed to marshal post-sign request: %w", err)
	}
	raw, err := c.post(ctx, postSignPath, body)
	if err != nil {
		return triphase.Result{}, fmt.Errorf("post-sign: %w", err)
	}
	var resp PostSignResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return triphase.Result{}, fmt.Errorf("failed to decode post-sign response: %w", err)
	}
	if resp.ID != "" && resp.ID != requestID {
		return triphase.Result{}, fmt.Errorf("post-sign answered request %q, sent %q", resp.ID, requestID)
	}
	if !resp.OK {
		c.logger.Warn().Str("request", requestID).Str("message", strings.TrimSpace(resp.Message)).Msg("post-sign rejected")
	}
	return triphase.Result{ID: requestID, OK: resp.OK}, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if required := resp.Header.Get(MinClientHeader); required != "" {
		c.checkVersion(required)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return raw, nil
}

// checkVersion logs once when the service asks for a newer client.
func (c *Client) checkVersion(required string) {
	switch version.Check(required) {
	case version.Outdated:
		if c.warned.CompareAndSwap(false, true) {
			c.logger.Warn().Str("current", version.Version).Str("required", required).Msg("client is older than the service requires")
		}
	case version.Unchecked:
		if version.IsDev() {
			c.logger.Debug().Str("required", required).Msg("dev build, skipping client version check")
		}
	}
}
