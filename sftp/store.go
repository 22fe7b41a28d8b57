// Package sftp provides an object store backed by a directory on an
// SFTP server. A pooled SSH connection is shared by all operations.
package sftp

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/theduke/objstore"
)

// Kind identifier of this backend.
const Kind = "sftp"

// Store is an SFTP-backed objstore.Store.
type Store struct {
	config *Config
	pool   *Pool
	log    *slog.Logger
}

// New creates a store connecting with password authentication.
func New(cfg *Config, log *slog.Logger) (*Store, error) {
	return NewWithDialer(cfg, &sshDialer{config: cfg}, log)
}

// NewWithDialer creates a store with a caller-supplied connection
// dialer.
func NewWithDialer(cfg *Config, dialer Dialer, log *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sftp config: %w", err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		config: cfg,
		pool:   NewPool(dialer, cfg.PoolSize, log),
		log:    log,
	}, nil
}

func (s *Store) Kind() string {
	return Kind
}

func (s *Store) SafeURI() string {
	return s.config.SafeURI()
}

// Close tears down the pooled connection.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) buildPath(key string) string {
	return s.config.root() + strings.TrimPrefix(key, "/")
}

func metaFromFileInfo(key string, info os.FileInfo) *objstore.ObjectMeta {
	meta := objstore.NewObjectMeta(key)
	meta.Size = info.Size()
	meta.UpdatedAt = info.ModTime()
	// Size and mtime are all the protocol offers to version a file.
	meta.ETag = fmt.Sprintf("%x-%x", info.Size(), info.ModTime().Unix())
	return meta
}

func (s *Store) Healthcheck(ctx context.Context) error {
	err := s.pool.With(ctx, func(sess Session) error {
		_, err := sess.ReadDir(strings.TrimSuffix(s.config.root(), "/"))
		if isNotExist(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("sftp healthcheck failed: %w", err)
	}
	return nil
}

func (s *Store) Meta(ctx context.Context, key string) (*objstore.ObjectMeta, error) {
	var meta *objstore.ObjectMeta
	err := s.pool.With(ctx, func(sess Session) error {
		info, err := sess.Stat(s.buildPath(key))
		if err != nil {
			return err
		}
		if !info.IsDir() {
			meta = metaFromFileInfo(key, info)
		}
		return nil
	})
	if isNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat key %q: %w", key, err)
	}
	return meta, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.With(ctx, func(sess Session) error {
		var err error
		data, err = sess.ReadFile(s.buildPath(key))
		return err
	})
	if isNotExist(err) {
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
	data, err := s.Get(ctx, key)
	if err != nil || data == nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (s *Store) GetWithMeta(ctx context.Context, key string) ([]byte, *objstore.ObjectMeta, error) {
	var (
		data []byte
		meta *objstore.ObjectMeta
	)
	err := s.pool.With(ctx, func(sess Session) error {
		remotePath := s.buildPath(key)
		var err error
		data, err = sess.ReadFile(remotePath)
		if err != nil {
			return err
		}
		info, err := sess.Stat(remotePath)
		if err != nil {
			return err
		}
		meta = metaFromFileInfo(key, info)
		return nil
	})
	if isNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	if data == nil {
		data = []byte{}
	}
	digest := sha256.Sum256(data)
	meta.HashSHA256 = digest[:]
	return data, meta, nil
}

func (s *Store) GetStreamWithMeta(ctx context.Context, key string) (*objstore.ObjectMeta, io.ReadCloser, error) {
	data, meta, err := s.GetWithMeta(ctx, key)
	if err != nil || meta == nil {
		return nil, nil, err
	}
	return meta, io.NopCloser(strings.NewReader(string(data))), nil
}

func (s *Store) GenerateDownloadURL(ctx context.Context, args objstore.DownloadURLArgs) (string, error) {
	return "", nil
}

func (s *Store) SendPut(ctx context.Context, put *objstore.Put) (*objstore.ObjectMeta, error) {
	data, err := put.Data.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read put payload for %q: %w", put.Key, err)
	}

	conditions := put.Conditions
	conditions.Sanitize()
	if !conditions.IsZero() {
		existing, err := s.Meta(ctx, put.Key)
		if err != nil {
			return nil, err
		}
		if err := checkConditions(put.Key, &conditions, existing); err != nil {
			return nil, err
		}
	}

	remotePath := s.buildPath(put.Key)
	var meta *objstore.ObjectMeta
	err = s.pool.With(ctx, func(sess Session) error {
		if dir := path.Dir(remotePath); dir != "/" && dir != "." {
			if err := sess.MkdirAll(dir); err != nil {
				return err
			}
		}
		if err := sess.WriteFile(remotePath, data); err != nil {
			return err
		}
		info, err := sess.Stat(remotePath)
		if err != nil {
			return err
		}
		meta = metaFromFileInfo(put.Key, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write key %q: %w", put.Key, err)
	}

	s.log.Debug("stored object",
		slog.String("key", put.Key),
		slog.Int("size", len(data)))

	digest := sha256.Sum256(data)
	meta.HashSHA256 = digest[:]
	meta.MimeType = put.MimeType
	return meta, nil
}

// checkConditions emulates conditional writes with a read before the
// write; the protocol has no native conditional primitive. The etag of
// an SFTP object is derived from size and mtime, so tag matches are
// best-effort.
func checkConditions(key string, c *objstore.Conditions, existing *objstore.ObjectMeta) error {
	if c.IfMatch != nil {
		if existing == nil {
			return objstore.PreconditionFailedf("put %q: expected existing object", key)
		}
		if !c.IfMatch.Any && !c.IfMatch.Matches(existing.ETag) {
			return objstore.PreconditionFailedf("put %q: etag mismatch", key)
		}
	}
	if c.IfNoneMatch != nil {
		if c.IfNoneMatch.Any {
			if existing != nil {
				return objstore.PreconditionFailedf("put %q: object already exists", key)
			}
		} else if existing != nil && c.IfNoneMatch.Matches(existing.ETag) {
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
	data, err := s.Get(ctx, copy.SourceKey)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("copy source %q: %w", copy.SourceKey, objstore.ErrNotFound)
	}
	put := objstore.NewPut(copy.TargetKey, objstore.BytesSource(data))
	put.Conditions = copy.Conditions
	return s.SendPut(ctx, put)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.pool.With(ctx, func(sess Session) error {
		return sess.Remove(s.buildPath(key))
	})
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := objstore.ListAllKeys(ctx, s, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// collectEntries walks the remote tree under root, depth-first.
func collectEntries(sess Session, root string) ([]remoteEntry, error) {
	type frame struct {
		remote string
		key    string
	}
	stack := []frame{{remote: strings.TrimSuffix(root, "/"), key: ""}}
	var out []remoteEntry

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := sess.ReadDir(top.remote)
		if isNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, info := range entries {
			key := info.Name()
			if top.key != "" {
				key = top.key + "/" + info.Name()
			}
			if info.IsDir() {
				stack = append(stack, frame{remote: top.remote + "/" + info.Name(), key: key})
				continue
			}
			out = append(out, remoteEntry{key: key, info: info})
		}
	}
	return out, nil
}

type remoteEntry struct {
	key  string
	info os.FileInfo
}

func (s *Store) List(ctx context.Context, args objstore.ListArgs) (*objstore.Page, error) {
	var entries []remoteEntry
	err := s.pool.With(ctx, func(sess Session) error {
		var err error
		entries, err = collectEntries(sess, s.config.root())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	limit := int(args.Limit)
	if limit <= 0 {
		limit = 1000
	}

	page := &objstore.Page{}
	prefixes := map[string]struct{}{}
	more := false

	for _, entry := range entries {
		if args.Cursor != "" && entry.key <= args.Cursor {
			continue
		}
		if args.Prefix != "" && !strings.HasPrefix(entry.key, args.Prefix) {
			continue
		}
		if args.Delimiter != "" {
			remainder := strings.TrimPrefix(entry.key, args.Prefix)
			if idx := strings.Index(remainder, args.Delimiter); idx >= 0 {
				prefixes[args.Prefix+remainder[:idx]+args.Delimiter] = struct{}{}
				continue
			}
		}
		if len(page.Items) == limit {
			more = true
			break
		}
		page.Items = append(page.Items, *metaFromFileInfo(entry.key, entry.info))
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
