package memory

import (
	"log/slog"
	"net/url"

	"github.com/theduke/objstore"
)

// Provider registers the memory backend under the "memory" scheme.
type Provider struct{}

func (Provider) Kind() string {
	return Kind
}

func (Provider) Build(u *url.URL, log *slog.Logger) (objstore.Store, error) {
	return New(), nil
}

var _ objstore.Provider = Provider{}
