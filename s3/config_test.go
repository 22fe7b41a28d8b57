package s3

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw string) (*Config, error) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return ParseURI(u)
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    Config
		wantErr bool
	}{
		{
			name: "full",
			uri:  "s3://AKID:sekrit@minio.local:9000/mybucket?region=eu-west-1&style=path&prefix=data/objects&insecure=true",
			want: Config{
				Endpoint:  "minio.local:9000",
				Region:    "eu-west-1",
				Bucket:    "mybucket",
				AccessKey: "AKID",
				SecretKey: "sekrit",
				Prefix:    "data/objects",
				Style:     StylePath,
				Insecure:  true,
			},
		},
		{
			name: "minimal",
			uri:  "s3://s3.amazonaws.com/mybucket",
			want: Config{
				Endpoint: "s3.amazonaws.com",
				Region:   "us-east-1",
				Bucket:   "mybucket",
				Style:    StyleVirtualHost,
			},
		},
		{
			name: "domain style alias",
			uri:  "s3://s3.amazonaws.com/mybucket?style=domain",
			want: Config{
				Endpoint: "s3.amazonaws.com",
				Region:   "us-east-1",
				Bucket:   "mybucket",
				Style:    StyleVirtualHost,
			},
		},
		{
			name: "session token",
			uri:  "s3://AKID:sekrit@s3.amazonaws.com/mybucket?token=tmp123",
			want: Config{
				Endpoint:     "s3.amazonaws.com",
				Region:       "us-east-1",
				Bucket:       "mybucket",
				AccessKey:    "AKID",
				SecretKey:    "sekrit",
				SessionToken: "tmp123",
				Style:        StyleVirtualHost,
			},
		},
		{
			name:    "missing bucket",
			uri:     "s3://s3.amazonaws.com/",
			wantErr: true,
		},
		{
			name:    "extra path segments",
			uri:     "s3://s3.amazonaws.com/bucket/extra",
			wantErr: true,
		},
		{
			name:    "bad style",
			uri:     "s3://s3.amazonaws.com/bucket?style=banana",
			wantErr: true,
		},
		{
			name:    "bad insecure flag",
			uri:     "s3://s3.amazonaws.com/bucket?insecure=yes-please",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parse(t, tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *cfg)
		})
	}
}

func TestBuildURIRoundtrip(t *testing.T) {
	cfg, err := parse(t, "s3://AKID:sekrit@minio.local:9000/mybucket?region=eu-west-1&style=path&prefix=data")
	require.NoError(t, err)

	reparsed, err := parse(t, cfg.BuildURI())
	require.NoError(t, err)
	assert.Equal(t, cfg, reparsed)
}

func TestSafeURIScrubsCredentials(t *testing.T) {
	cfg, err := parse(t, "s3://AKID:sekrit@minio.local:9000/mybucket?region=eu-west-1")
	require.NoError(t, err)

	safe := cfg.SafeURI()
	assert.NotContains(t, safe, "AKID")
	assert.NotContains(t, safe, "sekrit")
	assert.Contains(t, safe, "minio.local:9000")
	assert.Contains(t, safe, "mybucket")
}

func TestValidate(t *testing.T) {
	cfg := &Config{Endpoint: "s3.amazonaws.com", Bucket: "b", AccessKey: "only-access"}
	require.Error(t, cfg.Validate())

	cfg.SecretKey = "now-paired"
	require.NoError(t, cfg.Validate())
}
