package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Opener opens one kind of backend.
type Opener func(ctx context.Context, path string, pw PasswordSupplier) (Provider, error)

// Registry is a Factory dispatching to per-backend openers.
type Registry struct {
	openers   map[Backend]Opener
	fallbacks map[Backend]Backend
	logger    zerolog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		openers:   make(map[Backend]Opener),
		fallbacks: make(map[Backend]Backend),
		logger:    logger,
	}
}

// Register installs the opener for b.
func (r *Registry) Register(b Backend, open Opener) {
	r.openers[b] = open
}

// SetFallback declares alt as the backend to suggest when b is unusable.
func (r *Registry) SetFallback(b, alt Backend) {
	r.fallbacks[b] = alt
}

// Supports reports whether an opener is registered for b.
func (r *Registry) Supports(b Backend) bool {
	_, ok := r.openers[b]
	return ok
}

// Open implements Factory. A backend without opener, or whose opener reports
// ErrBackendUnavailable, yields an *AlternativeError when a usable fallback
// is registered.
func (r *Registry) Open(ctx context.Context, b Backend, path string, pw PasswordSupplier) (Provider, error) {
	if pw == nil {
		pw = NoPassword
	}
	open, ok := r.openers[b]
	if !ok {
		return nil, r.unavailable(b, fmt.Errorf("%w: %s", ErrBackendUnavailable, b))
	}

	r.logger.Debug().Str("backend", b.String()).Str("path", path).Msg("opening keystore")
	p, err := open(ctx, path, pw)
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			return nil, r.unavailable(b, err)
		}
		return nil, err
	}
	return p, nil
}

func (r *Registry) unavailable(b Backend, err error) error {
	alt, ok := r.fallbacks[b]
	if !ok || alt == b || !r.Supports(alt) {
		return err
	}
	r.logger.Warn().Str("backend", b.String()).Str("alternative", alt.String()).Err(err).Msg("keystore backend unavailable")
	return &AlternativeError{Requested: b, Alternative: alt, Err: err}
}
