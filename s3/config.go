package s3

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// AddressingStyle selects how the bucket is encoded in request URLs.
type AddressingStyle string

const (
	// StylePath addresses the bucket in the URL path. Required by most
	// self-hosted S3-compatible services (minio and friends).
	StylePath AddressingStyle = "path"
	// StyleVirtualHost addresses the bucket as a subdomain of the endpoint.
	StyleVirtualHost AddressingStyle = "virtual"
)

// Config holds the connection settings for an S3-compatible endpoint.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// SessionToken is optional and only used for temporary credentials.
	SessionToken string
	// Prefix is prepended to every object key.
	Prefix string
	Style  AddressingStyle
	// Insecure disables TLS for the endpoint connection.
	Insecure bool
}

// ParseURI builds a Config from an s3:// URI of the form
//
//	s3://ACCESS_KEY:SECRET_KEY@HOST[:PORT]/BUCKET?region=R&style=path&prefix=P
//
// Recognized query parameters: region, style (path|domain|virtual),
// prefix, token, insecure.
func ParseURI(u *url.URL) (*Config, error) {
	if u.Scheme != Kind {
		return nil, fmt.Errorf("invalid scheme %q, expected %q", u.Scheme, Kind)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("s3 URI is missing a host")
	}

	bucket := strings.Trim(u.Path, "/")
	if bucket == "" {
		return nil, fmt.Errorf("s3 URI is missing the bucket path segment")
	}
	if strings.Contains(bucket, "/") {
		return nil, fmt.Errorf("s3 URI path %q must contain only the bucket name (use the prefix query parameter for key prefixes)", u.Path)
	}

	cfg := &Config{
		Endpoint: u.Host,
		Bucket:   bucket,
		Style:    StyleVirtualHost,
	}
	if u.User != nil {
		cfg.AccessKey = u.User.Username()
		cfg.SecretKey, _ = u.User.Password()
	}

	query := u.Query()
	cfg.Region = query.Get("region")
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	cfg.Prefix = strings.Trim(query.Get("prefix"), "/")
	cfg.SessionToken = query.Get("token")

	switch style := query.Get("style"); style {
	case "", "domain", "virtual":
		cfg.Style = StyleVirtualHost
	case "path":
		cfg.Style = StylePath
	default:
		return nil, fmt.Errorf("invalid addressing style %q (expected path, domain or virtual)", style)
	}

	if raw := query.Get("insecure"); raw != "" {
		insecure, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid insecure flag %q: %w", raw, err)
		}
		cfg.Insecure = insecure
	}

	return cfg, nil
}

// Validate checks that the required connection settings are present.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("access key and secret key must be set together")
	}
	return nil
}

// BuildURI renders the config back into an s3:// URI, including credentials.
func (c *Config) BuildURI() string {
	return c.buildURI(c.AccessKey, c.SecretKey)
}

// SafeURI renders the config as a URI with credentials scrubbed.
func (c *Config) SafeURI() string {
	access, secret := c.AccessKey, c.SecretKey
	if access != "" {
		access = "***"
	}
	if secret != "" {
		secret = "***"
	}
	return c.buildURI(access, secret)
}

func (c *Config) buildURI(accessKey, secretKey string) string {
	u := url.URL{
		Scheme: Kind,
		Host:   c.Endpoint,
		Path:   "/" + c.Bucket,
	}
	if accessKey != "" {
		u.User = url.UserPassword(accessKey, secretKey)
	}

	query := url.Values{}
	if c.Region != "" {
		query.Set("region", c.Region)
	}
	if c.Prefix != "" {
		query.Set("prefix", c.Prefix)
	}
	if c.Style == StylePath {
		query.Set("style", "path")
	}
	if c.Insecure {
		query.Set("insecure", "true")
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// scheme://host portion used by the AWS SDK endpoint setting.
func (c *Config) endpointURL() string {
	scheme := "https"
	if c.Insecure {
		scheme = "http"
	}
	return scheme + "://" + c.Endpoint
}
