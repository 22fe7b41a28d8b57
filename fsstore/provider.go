package fsstore

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"

	"github.com/theduke/objstore"
)

// Provider builds filesystem stores for fs:// URIs.
//
// The path is taken from the URI path component, so fs:///var/data/objects
// maps to the directory /var/data/objects.
type Provider struct{}

func (Provider) Kind() string {
	return Kind
}

func (Provider) Build(u *url.URL, log *slog.Logger) (objstore.Store, error) {
	path := u.Path
	if u.Host != "" {
		// Tolerate fs://relative/path by joining host and path.
		path = filepath.Join(u.Host, u.Path)
	}
	if path == "" {
		return nil, fmt.Errorf("fs URI %q has no path", u.String())
	}
	return New(path, log)
}

var _ objstore.Provider = Provider{}
