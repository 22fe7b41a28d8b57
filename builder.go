package objstore

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
)

// Provider constructs a store backend from a generic URI.
//
// Kind must equal the URI scheme the provider handles; the Builder uses
// it for dispatch. Additional configuration is passed through query
// parameters, e.g.:
//
//   - memory://
//   - fs:///var/data/store
//   - s3://<key>:<secret>@<host>/<bucket>?style=path
type Provider interface {
	// Kind returns the URI scheme handled by this provider.
	Kind() string

	// Build constructs a store from a parsed URI. The URI scheme is
	// guaranteed to match Kind.
	Build(u *url.URL, log *slog.Logger) (Store, error)
}

// Builder creates store backends from URI strings through a set of
// registered providers, dispatching on the URI scheme.
type Builder struct {
	log       *slog.Logger
	providers []Provider
}

// NewBuilder creates an empty builder. The logger is handed to backends
// at construction; pass nil for a no-op logger.
func NewBuilder(log *slog.Logger) *Builder {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{log: log}
}

// Register adds a provider. Later registrations win on scheme clashes.
func (b *Builder) Register(p Provider) *Builder {
	b.providers = append([]Provider{p}, b.providers...)
	return b
}

// Build constructs a store from a location URI, matching the scheme
// against the registered providers.
func (b *Builder) Build(uri string) (Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	scheme := strings.ToLower(u.Scheme)
	for _, provider := range b.providers {
		if provider.Kind() != scheme {
			continue
		}
		b.log.Debug("building store backend",
			slog.String("scheme", scheme))
		store, err := provider.Build(u, b.log)
		if err != nil {
			return nil, fmt.Errorf("failed to build %q store: %w", scheme, err)
		}
		return store, nil
	}

	return nil, fmt.Errorf("%w: unsupported backend scheme %q", ErrInvalidURI, u.Scheme)
}
