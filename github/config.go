package github

import (
	"fmt"
	"net/url"
	"strings"
)

// Config holds the settings for a GitHub-repository-backed store.
type Config struct {
	Host  string
	Owner string
	Repo  string
	Token string
	// Branch is optional; when empty the repository's default branch is
	// discovered lazily on first use.
	Branch string
	// Prefix is a repository path prepended to every object key.
	Prefix string
	// APIBase and RawBase override the REST API and raw-content
	// endpoints. Both always end with a trailing slash.
	APIBase string
	RawBase string
}

// ParseURI builds a Config from a github:// URI of the form
//
//	github://TOKEN@HOST/OWNER/REPO?branch=B&prefix=P&api_base=U&raw_base=U
//
// For github.com the endpoints default to api.github.com and
// raw.githubusercontent.com; any other host is treated as a GitHub
// Enterprise instance serving the API under /api/v3/ and raw content
// under /raw/.
func ParseURI(u *url.URL) (*Config, error) {
	if u.Scheme != Kind {
		return nil, fmt.Errorf("invalid scheme %q, expected %q", u.Scheme, Kind)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("github URI must contain an api token in the username field")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("github URI must include a host (e.g. github.com)")
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return nil, fmt.Errorf("github URI path %q must be /<owner>/<repo>", u.Path)
	}

	cfg := &Config{
		Host:  u.Host,
		Owner: segments[0],
		Repo:  segments[1],
		Token: u.User.Username(),
	}

	query := u.Query()
	cfg.Branch = strings.TrimSpace(query.Get("branch"))
	cfg.Prefix = strings.Trim(query.Get("prefix"), "/")

	defaultAPI, defaultRaw := defaultEndpoints(u.Host)
	cfg.APIBase = defaultAPI
	cfg.RawBase = defaultRaw
	if override := query.Get("api_base"); override != "" {
		base, err := normalizeBase(override)
		if err != nil {
			return nil, fmt.Errorf("invalid api_base override: %w", err)
		}
		cfg.APIBase = base
	}
	if override := query.Get("raw_base"); override != "" {
		base, err := normalizeBase(override)
		if err != nil {
			return nil, fmt.Errorf("invalid raw_base override: %w", err)
		}
		cfg.RawBase = base
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the required settings are present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("api token must not be empty")
	}
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host must not be empty")
	}
	if strings.TrimSpace(c.Owner) == "" {
		return fmt.Errorf("repository owner must not be empty")
	}
	if strings.TrimSpace(c.Repo) == "" {
		return fmt.Errorf("repository name must not be empty")
	}
	return nil
}

// BuildURI renders the config back into a github:// URI, including the
// token.
func (c *Config) BuildURI() string {
	return c.buildURI(true)
}

// SafeURI renders the config as a URI with the token removed.
func (c *Config) SafeURI() string {
	return c.buildURI(false)
}

func (c *Config) buildURI(withToken bool) string {
	u := url.URL{
		Scheme: Kind,
		Host:   c.Host,
		Path:   "/" + c.Owner + "/" + c.Repo,
	}
	if withToken && c.Token != "" {
		u.User = url.User(c.Token)
	}

	query := url.Values{}
	if c.Branch != "" {
		query.Set("branch", c.Branch)
	}
	if c.Prefix != "" {
		query.Set("prefix", c.Prefix)
	}
	defaultAPI, defaultRaw := defaultEndpoints(c.Host)
	if c.APIBase != "" && c.APIBase != defaultAPI {
		query.Set("api_base", c.APIBase)
	}
	if c.RawBase != "" && c.RawBase != defaultRaw {
		query.Set("raw_base", c.RawBase)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func defaultEndpoints(host string) (api, raw string) {
	if strings.EqualFold(host, "github.com") {
		return "https://api.github.com/", "https://raw.githubusercontent.com/"
	}
	return "https://" + host + "/api/v3/", "https://" + host + "/raw/"
}

func normalizeBase(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("url %q cannot be used as a base", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String(), nil
}
