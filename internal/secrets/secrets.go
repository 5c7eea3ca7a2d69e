// Package secrets resolves credential references in configuration values.
//
// A value such as "env://E2B_API_KEY", "file:///run/secrets/e2b" or
// "vault://secret/data/e2b#api_key" is replaced by the secret it points to
// before the platform client, storage or notifiers see it. Plain values are
// left untouched.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Secret holds resolved credential material. Never log Value.
type Secret struct {
	Value    string
	Metadata map[string]string // Backend-specific, e.g. source and path.
}

// Provider resolves references of one scheme. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Scheme is the reference prefix without "://", e.g. "vault".
	Scheme() string
	Resolve(ctx context.Context, ref string) (*Secret, error)
}

// ErrSecretNotFound is returned when a reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// Scheme returns the scheme of a reference, or "" for a plain value.
func Scheme(value string) string {
	scheme, _, ok := strings.Cut(value, "://")
	if !ok || scheme == "" || strings.ContainsAny(scheme, " /") {
		return ""
	}
	return scheme
}

// Resolver dispatches references to the provider of their scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a resolver over providers. Later providers replace
// earlier ones with the same scheme.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// Resolve returns the secret a reference points to. Values with a scheme no
// provider handles (http, https, postgres, ...) are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	p, ok := r.providers[Scheme(value)]
	if !ok {
		return value, nil
	}
	secret, err := p.Resolve(ctx, value)
	if err != nil {
		return "", err
	}
	return secret.Value, nil
}

// ResolveAll resolves every field in place.
func (r *Resolver) ResolveAll(ctx context.Context, fields ...*string) error {
	for _, f := range fields {
		if f == nil || *f == "" {
			continue
		}
		v, err := r.Resolve(ctx, *f)
		if err != nil {
			return fmt.Errorf("resolving %s reference: %w", Scheme(*f), err)
		}
		*f = v
	}
	return nil
}
