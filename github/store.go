// Package github provides an object store backed by the contents of a
// GitHub repository branch. Every write is a commit.
//
// GitHub's tree-listing API is eventually consistent relative to
// individual reads and writes, so the store keeps a small in-memory
// overlay of recent writes and deletions and reconciles it against the
// authoritative tree on every listing. Overlay entries are pruned as
// soon as the authoritative view catches up.
//
// Conditional writes are enforced client-side with a read-check-write,
// which is racy under concurrent writers to the same key. The blob sha
// attached to overwrite commits gives an additional compare-and-swap at
// the git layer.
package github

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/theduke/objstore"
)

// Kind identifier of this backend.
const Kind = "github"

const userAgent = "objstore-github/0.1"

// Keys per page while draining a prefix for DeletePrefix.
const deletePrefixPageSize = 256

// Store is a GitHub-repository-backed objstore.Store.
type Store struct {
	config *Config
	client *http.Client
	log    *slog.Logger

	// branchMu guards resolvedBranch. Resolution retries until it
	// succeeds once, then the value is cached for the store lifetime.
	branchMu       sync.Mutex
	resolvedBranch string

	overlayMu sync.Mutex
	overlay   map[string]overlayEntry
}

// overlayEntry records a recent local write or deletion that the
// authoritative tree may not reflect yet.
type overlayEntry struct {
	deleted bool
	sha     string
	size    int64
}

// New creates a store using http.DefaultClient semantics.
func New(cfg *Config, log *slog.Logger) (*Store, error) {
	return NewWithClient(cfg, &http.Client{Timeout: 30 * time.Second}, log)
}

// NewWithClient creates a store with a caller-supplied HTTP client.
func NewWithClient(cfg *Config, client *http.Client, log *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid github config: %w", err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		config:  cfg,
		client:  client,
		log:     log,
		overlay: map[string]overlayEntry{},
	}, nil
}

func (s *Store) Kind() string {
	return Kind
}

func (s *Store) SafeURI() string {
	return s.config.SafeURI()
}

// API wire types.

type contentFile struct {
	Path      string `json:"path"`
	SHA       string `json:"sha"`
	Size      int64  `json:"size"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Encoding  string `json:"encoding"`
	Truncated bool   `json:"truncated"`
}

type putResponse struct {
	Content *contentFile `json:"content"`
	Commit  *commitInfo  `json:"commit"`
}

type commitInfo struct {
	SHA       string       `json:"sha"`
	Committer *commitActor `json:"committer"`
	Author    *commitActor `json:"author"`
}

type commitActor struct {
	Date string `json:"date"`
}

type treeResponse struct {
	Tree []treeEntry `json:"tree"`
}

type treeEntry struct {
	Path string `json:"path"`
	SHA  string `json:"sha"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type branchResponse struct {
	Commit struct {
		Commit struct {
			Tree struct {
				SHA string `json:"sha"`
			} `json:"tree"`
		} `json:"commit"`
	} `json:"commit"`
}

type repoResponse struct {
	DefaultBranch string `json:"default_branch"`
}

type putRequest struct {
	Message string `json:"message"`
	Branch  string `json:"branch"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
}

type deleteRequest struct {
	Message string `json:"message"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha"`
}

// treeObject is one reconciled listing entry.
type treeObject struct {
	key  string
	sha  string
	size int64
}

// URL construction.

func encodeRepoPath(path string) string {
	segments := strings.Split(path, "/")
	encoded := segments[:0]
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		encoded = append(encoded, url.PathEscape(segment))
	}
	return strings.Join(encoded, "/")
}

func (s *Store) apiURL(format string, args ...any) string {
	return s.config.APIBase + fmt.Sprintf(format, args...)
}

func (s *Store) contentsURL(repoPath string) string {
	return s.apiURL("repos/%s/%s/contents/%s",
		url.PathEscape(s.config.Owner), url.PathEscape(s.config.Repo), encodeRepoPath(repoPath))
}

func (s *Store) treeURL(treeSHA string) string {
	return s.apiURL("repos/%s/%s/git/trees/%s",
		url.PathEscape(s.config.Owner), url.PathEscape(s.config.Repo), url.PathEscape(treeSHA))
}

func (s *Store) branchURL(branch string) string {
	return s.apiURL("repos/%s/%s/branches/%s",
		url.PathEscape(s.config.Owner), url.PathEscape(s.config.Repo), url.PathEscape(branch))
}

func (s *Store) repoURL() string {
	return s.apiURL("repos/%s/%s",
		url.PathEscape(s.config.Owner), url.PathEscape(s.config.Repo))
}

func (s *Store) rawURL(branch, repoPath string) string {
	return s.config.RawBase +
		url.PathEscape(s.config.Owner) + "/" +
		url.PathEscape(s.config.Repo) + "/" +
		url.PathEscape(branch) + "/" +
		encodeRepoPath(repoPath)
}

// Key mapping.

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, `\`) {
		return fmt.Errorf("key %q must not contain backslashes", key)
	}
	for _, segment := range strings.Split(strings.TrimPrefix(key, "/"), "/") {
		if segment == "" {
			return fmt.Errorf("key %q must not contain empty path segments", key)
		}
		if segment == "." || segment == ".." {
			return fmt.Errorf("key %q must not contain '.' or '..' segments", key)
		}
	}
	return nil
}

func (s *Store) buildRepoPath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	key = strings.TrimPrefix(key, "/")
	if s.config.Prefix == "" {
		return key, nil
	}
	return s.config.Prefix + "/" + key, nil
}

// pruneRepoPath is the inverse of buildRepoPath; paths outside the
// configured prefix map to no key.
func (s *Store) pruneRepoPath(path string) (string, bool) {
	path = strings.TrimPrefix(path, "/")
	if s.config.Prefix == "" {
		return path, true
	}
	stripped, ok := strings.CutPrefix(path, s.config.Prefix+"/")
	return stripped, ok
}

// HTTP plumbing.

func (s *Store) newRequest(ctx context.Context, method, rawURL string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %q: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "token "+s.config.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// errorForStatus drains a failed response into an error carrying the
// API's message field.
func errorForStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))

	message := strings.TrimSpace(string(raw))
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Message != "" {
		message = apiErr.Message
	}
	return fmt.Errorf("github API request failed (%s): %s", res.Status, message)
}

func decodeJSON(res *http.Response, out any) error {
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode github response: %w", err)
	}
	return nil
}

// Branch resolution.

func (s *Store) branch(ctx context.Context) (string, error) {
	if s.config.Branch != "" {
		return s.config.Branch, nil
	}
	s.branchMu.Lock()
	defer s.branchMu.Unlock()
	if s.resolvedBranch != "" {
		return s.resolvedBranch, nil
	}

	req, err := s.newRequest(ctx, http.MethodGet, s.repoURL(), nil)
	if err != nil {
		return "", err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch repository metadata: %w", err)
	}
	if err := errorForStatus(res); err != nil {
		return "", err
	}
	var repo repoResponse
	if err := decodeJSON(res, &repo); err != nil {
		return "", err
	}
	if repo.DefaultBranch == "" {
		return "", fmt.Errorf("repository %s/%s does not expose a default branch", s.config.Owner, s.config.Repo)
	}

	s.resolvedBranch = repo.DefaultBranch
	s.log.Debug("resolved default branch",
		slog.String("repo", s.config.Owner+"/"+s.config.Repo),
		slog.String("branch", repo.DefaultBranch))
	return repo.DefaultBranch, nil
}

func (s *Store) Healthcheck(ctx context.Context) error {
	branch, err := s.branch(ctx)
	if err != nil {
		return err
	}
	meta, err := s.fetchBranchMetadata(ctx, branch)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("github branch %q not found", branch)
	}
	return nil
}

// Read path.

// contentInfo caches what the contents endpoint told us about a key,
// including inlined content when the API provided it.
type contentInfo struct {
	repoPath  string
	sha       string
	meta      *objstore.ObjectMeta
	inline    []byte
	hasInline bool
}

func (s *Store) getContentInfo(ctx context.Context, key string) (*contentInfo, error) {
	if s.isDeletedLocally(key) {
		return nil, nil
	}
	repoPath, err := s.buildRepoPath(key)
	if err != nil {
		return nil, err
	}
	branch, err := s.branch(ctx)
	if err != nil {
		return nil, err
	}

	req, err := s.newRequest(ctx, http.MethodGet, s.contentsURL(repoPath)+"?ref="+url.QueryEscape(branch), nil)
	if err != nil {
		return nil, err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch contents for %q: %w", key, err)
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil, nil
	}
	if err := errorForStatus(res); err != nil {
		return nil, err
	}

	mimeType := res.Header.Get("Content-Type")
	lastModified := res.Header.Get("Last-Modified")

	var file contentFile
	if err := decodeJSON(res, &file); err != nil {
		return nil, err
	}
	if file.Type != "file" {
		return nil, fmt.Errorf("github path %q is not a file", key)
	}

	meta := objstore.NewObjectMeta(key)
	meta.ETag = file.SHA
	meta.Size = file.Size
	meta.MimeType = mimeType
	if lastModified != "" {
		if updated, err := http.ParseTime(lastModified); err == nil {
			meta.UpdatedAt = updated
		}
	}
	meta.SetExtra("sha", file.SHA)

	info := &contentInfo{repoPath: repoPath, sha: file.SHA, meta: meta}
	if !file.Truncated && file.Content != "" && strings.EqualFold(file.Encoding, "base64") {
		cleaned := strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, file.Content)
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content for %q: %w", key, err)
		}
		info.inline = decoded
		info.hasInline = true
	}
	return info, nil
}

func (s *Store) isDeletedLocally(key string) bool {
	s.overlayMu.Lock()
	defer s.overlayMu.Unlock()
	entry, ok := s.overlay[key]
	return ok && entry.deleted
}

func (s *Store) downloadRaw(ctx context.Context, branch, repoPath string) (*http.Response, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.rawURL(branch, repoPath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch raw content for %q: %w", repoPath, err)
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil, fmt.Errorf("github object %q: %w", repoPath, objstore.ErrNotFound)
	}
	if err := errorForStatus(res); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) Meta(ctx context.Context, key string) (*objstore.ObjectMeta, error) {
	info, err := s.getContentInfo(ctx, key)
	if err != nil || info == nil {
		return nil, err
	}
	return info.meta, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := s.GetWithMeta(ctx, key)
	return data, err
}

func (s *Store) GetWithMeta(ctx context.Context, key string) ([]byte, *objstore.ObjectMeta, error) {
	info, err := s.getContentInfo(ctx, key)
	if err != nil || info == nil {
		return nil, nil, err
	}
	meta := info.meta

	var data []byte
	if info.hasInline {
		data = info.inline
	} else {
		branch, err := s.branch(ctx)
		if err != nil {
			return nil, nil, err
		}
		res, err := s.downloadRaw(ctx, branch, info.repoPath)
		if err != nil {
			return nil, nil, err
		}
		defer res.Body.Close()
		data, err = io.ReadAll(res.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read raw content for %q: %w", key, err)
		}
		if meta.MimeType == "" {
			meta.MimeType = res.Header.Get("Content-Type")
		}
	}
	if data == nil {
		data = []byte{}
	}
	meta.Size = int64(len(data))
	digest := sha256.Sum256(data)
	meta.HashSHA256 = digest[:]
	return data, meta, nil
}

func (s *Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	_, stream, err := s.GetStreamWithMeta(ctx, key)
	return stream, err
}

func (s *Store) GetStreamWithMeta(ctx context.Context, key string) (*objstore.ObjectMeta, io.ReadCloser, error) {
	info, err := s.getContentInfo(ctx, key)
	if err != nil || info == nil {
		return nil, nil, err
	}
	meta := info.meta

	if info.hasInline {
		meta.Size = int64(len(info.inline))
		digest := sha256.Sum256(info.inline)
		meta.HashSHA256 = digest[:]
		return meta, io.NopCloser(bytes.NewReader(info.inline)), nil
	}

	branch, err := s.branch(ctx)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.downloadRaw(ctx, branch, info.repoPath)
	if err != nil {
		return nil, nil, err
	}
	if meta.MimeType == "" {
		meta.MimeType = res.Header.Get("Content-Type")
	}
	return meta, res.Body, nil
}

// GenerateDownloadURL is unsupported: raw content requires an
// authenticated request for private repositories.
func (s *Store) GenerateDownloadURL(ctx context.Context, args objstore.DownloadURLArgs) (string, error) {
	return "", nil
}

// Write path.

func (s *Store) enforcePutConditions(key string, c *objstore.Conditions, existing *contentInfo) error {
	if c.IfMatch != nil {
		if existing == nil {
			return objstore.PreconditionFailedf("put %q: expected existing object", key)
		}
		if !c.IfMatch.Matches(existing.sha) {
			return objstore.PreconditionFailedf("put %q: etag mismatch", key)
		}
	}
	if c.IfNoneMatch != nil {
		if c.IfNoneMatch.Any {
			if existing != nil {
				return objstore.PreconditionFailedf("put %q: object already exists", key)
			}
		} else if existing != nil && c.IfNoneMatch.Matches(existing.sha) {
			return objstore.PreconditionFailedf("put %q: existing object matches forbidden tag", key)
		}
	}
	if !c.IfModifiedSince.IsZero() && existing != nil &&
		!existing.meta.UpdatedAt.IsZero() && !existing.meta.UpdatedAt.After(c.IfModifiedSince) {
		return objstore.PreconditionFailedf("put %q: object not modified since required timestamp", key)
	}
	if !c.IfUnmodifiedSince.IsZero() && existing != nil &&
		!existing.meta.UpdatedAt.IsZero() && existing.meta.UpdatedAt.After(c.IfUnmodifiedSince) {
		return objstore.PreconditionFailedf("put %q: object modified after required timestamp", key)
	}
	return nil
}

func (s *Store) SendPut(ctx context.Context, put *objstore.Put) (*objstore.ObjectMeta, error) {
	data, err := put.Data.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read put payload for %q: %w", put.Key, err)
	}

	existing, err := s.getContentInfo(ctx, put.Key)
	if err != nil {
		return nil, err
	}
	conditions := put.Conditions
	conditions.Sanitize()
	if err := s.enforcePutConditions(put.Key, &conditions, existing); err != nil {
		return nil, err
	}

	branch, err := s.branch(ctx)
	if err != nil {
		return nil, err
	}
	repoPath, err := s.buildRepoPath(put.Key)
	if err != nil {
		return nil, err
	}

	payload := putRequest{
		Message: "objstore: put " + put.Key,
		Branch:  branch,
		Content: base64.StdEncoding.EncodeToString(data),
	}
	// Attaching the prior blob sha turns the overwrite into a
	// compare-and-swap at the git layer.
	if existing != nil {
		payload.SHA = existing.sha
	}

	req, err := s.newRequest(ctx, http.MethodPut, s.contentsURL(repoPath), payload)
	if err != nil {
		return nil, err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to put %q: %w", put.Key, err)
	}
	if err := errorForStatus(res); err != nil {
		return nil, err
	}
	var resp putResponse
	if err := decodeJSON(res, &resp); err != nil {
		return nil, err
	}

	meta := objstore.NewObjectMeta(put.Key)
	meta.Size = int64(len(data))
	meta.MimeType = put.MimeType
	digest := sha256.Sum256(data)
	meta.HashSHA256 = digest[:]

	if resp.Content != nil {
		if key, ok := s.pruneRepoPath(resp.Content.Path); ok {
			meta.Key = key
		}
		meta.ETag = resp.Content.SHA
		meta.SetExtra("sha", resp.Content.SHA)
	}
	if resp.Commit != nil {
		if date := commitDate(resp.Commit); !date.IsZero() {
			meta.CreatedAt = date
			meta.UpdatedAt = date
		}
		meta.SetExtra("commit_sha", resp.Commit.SHA)
	}

	if meta.ETag != "" {
		s.overlayMu.Lock()
		s.overlay[meta.Key] = overlayEntry{sha: meta.ETag, size: meta.Size}
		s.overlayMu.Unlock()
	}

	s.log.Debug("stored object",
		slog.String("repo", s.config.Owner+"/"+s.config.Repo),
		slog.String("key", put.Key),
		slog.Int("size", len(data)))

	return meta, nil
}

func commitDate(commit *commitInfo) time.Time {
	for _, actor := range []*commitActor{commit.Committer, commit.Author} {
		if actor == nil || actor.Date == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339, actor.Date); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func (s *Store) SendCopy(ctx context.Context, copy *objstore.Copy) (*objstore.ObjectMeta, error) {
	data, sourceMeta, err := s.GetWithMeta(ctx, copy.SourceKey)
	if err != nil {
		return nil, err
	}
	if sourceMeta == nil {
		return nil, fmt.Errorf("copy source %q: %w", copy.SourceKey, objstore.ErrNotFound)
	}
	put := objstore.NewPut(copy.TargetKey, objstore.BytesSource(data))
	put.Conditions = copy.Conditions
	put.MimeType = sourceMeta.MimeType
	return s.SendPut(ctx, put)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	info, err := s.getContentInfo(ctx, key)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}

	branch, err := s.branch(ctx)
	if err != nil {
		return err
	}
	payload := deleteRequest{
		Message: "objstore: delete " + key,
		Branch:  branch,
		SHA:     info.sha,
	}
	req, err := s.newRequest(ctx, http.MethodDelete, s.contentsURL(info.repoPath), payload)
	if err != nil {
		return err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
	} else if err := errorForStatus(res); err != nil {
		return err
	} else {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}

	s.overlayMu.Lock()
	s.overlay[key] = overlayEntry{deleted: true}
	s.overlayMu.Unlock()
	return nil
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	for {
		page, err := s.ListKeys(ctx, objstore.ListArgs{Prefix: prefix, Limit: deletePrefixPageSize})
		if err != nil {
			return err
		}
		if len(page.Items) == 0 {
			return nil
		}
		for _, key := range page.Items {
			if err := s.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
}

// Listing.

func (s *Store) fetchBranchMetadata(ctx context.Context, branch string) (*branchResponse, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.branchURL(branch), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch branch %q: %w", branch, err)
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil, nil
	}
	if err := errorForStatus(res); err != nil {
		return nil, err
	}
	var out branchResponse
	if err := decodeJSON(res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// fetchTree loads the authoritative recursive tree for a branch and
// reconciles it with the local overlay.
func (s *Store) fetchTree(ctx context.Context, branch string) ([]treeObject, error) {
	branchMeta, err := s.fetchBranchMetadata(ctx, branch)
	if err != nil {
		return nil, err
	}
	if branchMeta == nil {
		return s.applyOverlay(nil), nil
	}

	req, err := s.newRequest(ctx, http.MethodGet, s.treeURL(branchMeta.Commit.Commit.Tree.SHA)+"?recursive=1", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tree for branch %q: %w", branch, err)
	}
	if res.StatusCode == http.StatusNotFound {
		// Fine-grained tokens can lack tree access for empty
		// repositories; treat as an empty tree.
		res.Body.Close()
		return s.applyOverlay(nil), nil
	}
	if err := errorForStatus(res); err != nil {
		return nil, err
	}
	var tree treeResponse
	if err := decodeJSON(res, &tree); err != nil {
		return nil, err
	}

	var entries []treeObject
	for _, entry := range tree.Tree {
		if entry.Type != "blob" {
			continue
		}
		key, ok := s.pruneRepoPath(entry.Path)
		if !ok {
			continue
		}
		entries = append(entries, treeObject{key: key, sha: entry.SHA, size: entry.Size})
	}
	return s.applyOverlay(entries), nil
}

// applyOverlay merges the overlay into the authoritative listing and
// prunes entries the backend has caught up with.
func (s *Store) applyOverlay(entries []treeObject) []treeObject {
	merged := make(map[string]treeObject, len(entries))
	for _, entry := range entries {
		merged[entry.key] = entry
	}

	s.overlayMu.Lock()
	for key, entry := range s.overlay {
		if entry.deleted {
			if _, ok := merged[key]; ok {
				delete(merged, key)
			} else {
				// The tree no longer shows the key; the deletion has
				// converged.
				delete(s.overlay, key)
			}
			continue
		}
		if existing, ok := merged[key]; ok && existing.sha == entry.sha {
			// The tree shows our write; the overlay entry served its
			// purpose.
			delete(s.overlay, key)
			continue
		}
		merged[key] = treeObject{key: key, sha: entry.sha, size: entry.size}
	}
	s.overlayMu.Unlock()

	out := make([]treeObject, 0, len(merged))
	for _, entry := range merged {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// listObjects applies cursor, prefix, delimiter and limit to the
// reconciled tree. Pagination is client-side: GitHub has no native
// paged tree listing.
func (s *Store) listObjects(ctx context.Context, args objstore.ListArgs) ([]treeObject, []string, string, error) {
	branch, err := s.branch(ctx)
	if err != nil {
		return nil, nil, "", err
	}
	all, err := s.fetchTree(ctx, branch)
	if err != nil {
		return nil, nil, "", err
	}

	limit := int(args.Limit)
	if limit <= 0 {
		limit = 1000
	}

	directories := map[string]struct{}{}
	var filtered []treeObject
	for _, entry := range all {
		if args.Cursor != "" && entry.key <= args.Cursor {
			continue
		}
		if args.Prefix != "" && !strings.HasPrefix(entry.key, args.Prefix) {
			continue
		}
		if args.Delimiter != "" {
			remainder := strings.TrimPrefix(entry.key, args.Prefix)
			if idx := strings.Index(remainder, args.Delimiter); idx >= 0 {
				if dir := remainder[:idx]; dir != "" {
					directories[args.Prefix+dir+args.Delimiter] = struct{}{}
				}
				continue
			}
		}
		filtered = append(filtered, entry)
	}

	nextCursor := ""
	if len(filtered) > limit {
		filtered = filtered[:limit]
		nextCursor = filtered[len(filtered)-1].key
	}

	var prefixes []string
	for dir := range directories {
		prefixes = append(prefixes, dir)
	}
	sort.Strings(prefixes)

	return filtered, prefixes, nextCursor, nil
}

func (s *Store) List(ctx context.Context, args objstore.ListArgs) (*objstore.Page, error) {
	objects, prefixes, nextCursor, err := s.listObjects(ctx, args)
	if err != nil {
		return nil, err
	}
	page := &objstore.Page{NextCursor: nextCursor, Prefixes: prefixes}
	for _, entry := range objects {
		meta := objstore.NewObjectMeta(entry.key)
		meta.ETag = entry.sha
		meta.Size = entry.size
		meta.SetExtra("sha", entry.sha)
		page.Items = append(page.Items, *meta)
	}
	return page, nil
}

func (s *Store) ListKeys(ctx context.Context, args objstore.ListArgs) (*objstore.KeyPage, error) {
	objects, _, nextCursor, err := s.listObjects(ctx, args)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, entry := range objects {
		keys = append(keys, entry.key)
	}
	return &objstore.KeyPage{Items: keys, NextCursor: nextCursor}, nil
}

var _ objstore.Store = (*Store)(nil)
