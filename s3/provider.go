package s3

import (
	"log/slog"
	"net/url"

	"github.com/theduke/objstore"
)

// Provider builds S3 stores for s3:// URIs.
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

var _ objstore.Provider = Provider{}
