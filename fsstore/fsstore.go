// Package fsstore provides an object store backed by a local filesystem
// directory. Keys map directly to file paths under the configured root.
package fsstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/theduke/objstore"
)

// Kind identifier of this backend.
const Kind = "fs"

// Store is a filesystem-backed objstore.Store.
type Store struct {
	root string
	log  *slog.Logger
}

// New creates a store rooted at the given directory, creating it if
// necessary.
func New(root string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %q: %w", root, err)
	}
	return &Store{root: root, log: log}, nil
}

func (s *Store) Kind() string {
	return Kind
}

func (s *Store) SafeURI() string {
	return "fs://" + s.root
}

func (s *Store) keyPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(key, "/")))
}

func (s *Store) Healthcheck(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("store directory %q not accessible: %w", s.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store path %q is not a directory", s.root)
	}
	return nil
}

func metaFromFileInfo(key string, info fs.FileInfo) *objstore.ObjectMeta {
	meta := objstore.NewObjectMeta(key)
	meta.Size = info.Size()
	meta.UpdatedAt = info.ModTime()
	return meta
}

func (s *Store) Meta(ctx context.Context, key string) (*objstore.ObjectMeta, error) {
	info, err := os.Stat(s.keyPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat key %q: %w", key, err)
	}
	if info.IsDir() {
		return nil, nil
	}
	return metaFromFileInfo(key, info), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	// Directories are not objects; stat first so they read as absent
	// instead of surfacing an EISDIR from ReadFile.
	meta, err := s.Meta(ctx, key)
	if err != nil || meta == nil {
		return nil, err
	}
	data, err := os.ReadFile(s.keyPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	meta, err := s.Meta(ctx, key)
	if err != nil || meta == nil {
		return nil, err
	}
	f, err := os.Open(s.keyPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open key %q: %w", key, err)
	}
	return f, nil
}

func (s *Store) GetWithMeta(ctx context.Context, key string) ([]byte, *objstore.ObjectMeta, error) {
	data, err := s.Get(ctx, key)
	if err != nil || data == nil {
		return nil, nil, err
	}
	meta, err := s.Meta(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if meta == nil {
		return nil, nil, nil
	}
	digest := sha256.Sum256(data)
	meta.HashSHA256 = digest[:]
	return data, meta, nil
}

func (s *Store) GetStreamWithMeta(ctx context.Context, key string) (*objstore.ObjectMeta, io.ReadCloser, error) {
	meta, err := s.Meta(ctx, key)
	if err != nil || meta == nil {
		return nil, nil, err
	}
	stream, err := s.GetStream(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if stream == nil {
		return nil, nil, nil
	}
	return meta, stream, nil
}

func (s *Store) GenerateDownloadURL(ctx context.Context, args objstore.DownloadURLArgs) (string, error) {
	return "", nil
}

func (s *Store) SendPut(ctx context.Context, put *objstore.Put) (*objstore.ObjectMeta, error) {
	data, err := put.Data.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read put payload for key %q: %w", put.Key, err)
	}

	conditions := put.Conditions
	conditions.Sanitize()
	if !conditions.IsZero() {
		existing, err := s.Meta(ctx, put.Key)
		if err != nil {
			return nil, err
		}
		if err := s.checkConditions(put.Key, &conditions, existing); err != nil {
			return nil, err
		}
	}

	path := s.keyPath(put.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for key %q: %w", put.Key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write key %q: %w", put.Key, err)
	}

	s.log.Debug("stored object",
		slog.String("key", put.Key),
		slog.Int("size", len(data)))

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat key %q after write: %w", put.Key, err)
	}
	meta := metaFromFileInfo(put.Key, info)
	digest := sha256.Sum256(data)
	meta.HashSHA256 = digest[:]
	meta.ETag = fmt.Sprintf("%x", digest)
	meta.MimeType = put.MimeType
	return meta, nil
}

// checkConditions enforces write preconditions with a read-check-write;
// the filesystem offers no native conditional primitive.
func (s *Store) checkConditions(key string, c *objstore.Conditions, existing *objstore.ObjectMeta) error {
	etag := ""
	if existing != nil {
		// Derive the content etag the same way SendPut records it.
		data, err := os.ReadFile(s.keyPath(key))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read key %q for condition check: %w", key, err)
		}
		if err == nil {
			etag = fmt.Sprintf("%x", sha256.Sum256(data))
		}
	}

	if c.IfMatch != nil {
		if existing == nil {
			return objstore.PreconditionFailedf("put %q: expected existing object", key)
		}
		if !c.IfMatch.Matches(etag) {
			return objstore.PreconditionFailedf("put %q: etag mismatch", key)
		}
	}
	if c.IfNoneMatch != nil {
		if c.IfNoneMatch.Any {
			if existing != nil {
				return objstore.PreconditionFailedf("put %q: object already exists", key)
			}
		} else if existing != nil && c.IfNoneMatch.Matches(etag) {
			return objstore.PreconditionFailedf("put %q: existing object matches forbidden tag", key)
		}
	}
	if existing != nil && !c.IfUnmodifiedSince.IsZero() && existing.UpdatedAt.After(c.IfUnmodifiedSince) {
		return objstore.PreconditionFailedf("put %q: object modified after required timestamp", key)
	}
	if existing != nil && !c.IfModifiedSince.IsZero() && !existing.UpdatedAt.After(c.IfModifiedSince) {
		return objstore.PreconditionFailedf("put %q: object not modified since required timestamp", key)
	}
	return nil
}

func (s *Store) SendCopy(ctx context.Context, copy *objstore.Copy) (*objstore.ObjectMeta, error) {
	data, meta, err := s.GetWithMeta(ctx, copy.SourceKey)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("copy source %q: %w", copy.SourceKey, objstore.ErrNotFound)
	}
	put := objstore.NewPut(copy.TargetKey, objstore.BytesSource(data))
	put.Conditions = copy.Conditions
	return s.SendPut(ctx, put)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.keyPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := s.collectKeys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// collectKeys walks the store directory and returns all keys, sorted.
func (s *Store) collectKeys() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk store directory: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) List(ctx context.Context, args objstore.ListArgs) (*objstore.Page, error) {
	keys, err := s.collectKeys()
	if err != nil {
		return nil, err
	}

	limit := int(args.Limit)
	if limit <= 0 {
		limit = 1000
	}

	page := &objstore.Page{}
	prefixes := map[string]struct{}{}
	more := false

	for _, key := range keys {
		if args.Cursor != "" && key <= args.Cursor {
			continue
		}
		if args.Prefix != "" && !strings.HasPrefix(key, args.Prefix) {
			continue
		}
		if args.Delimiter != "" {
			remainder := strings.TrimPrefix(key, args.Prefix)
			if idx := strings.Index(remainder, args.Delimiter); idx >= 0 {
				prefixes[args.Prefix+remainder[:idx]+args.Delimiter] = struct{}{}
				continue
			}
		}
		if len(page.Items) == limit {
			more = true
			break
		}
		info, err := os.Stat(s.keyPath(key))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat key %q: %w", key, err)
		}
		page.Items = append(page.Items, *metaFromFileInfo(key, info))
	}

	if more && len(page.Items) > 0 {
		page.NextCursor = page.Items[len(page.Items)-1].Key
	}
	for prefix := range prefixes {
		page.Prefixes = append(page.Prefixes, prefix)
	}
	sort.Strings(page.Prefixes)

	return page, nil
}

func (s *Store) ListKeys(ctx context.Context, args objstore.ListArgs) (*objstore.KeyPage, error) {
	page, err := s.List(ctx, args)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(page.Items))
	for _, meta := range page.Items {
		keys = append(keys, meta.Key)
	}
	return &objstore.KeyPage{Items: keys, NextCursor: page.NextCursor}, nil
}

var _ objstore.Store = (*Store)(nil)
