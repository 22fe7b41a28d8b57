package ftp

import (
	"log/slog"
	"net/url"

	"github.com/theduke/objstore"
)

// Provider builds FTP stores for ftp:// URIs.
type Provider struct{}

func (Provider) Kind() string {
	return Kind
}

func (Provider) Build(u *url.URL, log *slog.Logger) (objstore.Store, error) {
	cfg, err := ParseURI(u)
	if err != nil {
		return nil, err
	}
	return New(cfg, log)
}

// SecureProvider builds explicit-TLS stores for ftps:// URIs.
type SecureProvider struct{}

func (SecureProvider) Kind() string {
	return KindSecure
}

func (SecureProvider) Build(u *url.URL, log *slog.Logger) (objstore.Store, error) {
	cfg, err := ParseURI(u)
	if err != nil {
		return nil, err
	}
	return New(cfg, log)
}

var (
	_ objstore.Provider = Provider{}
	_ objstore.Provider = SecureProvider{}
)
