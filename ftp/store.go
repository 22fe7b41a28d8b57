// Package ftp provides an object store backed by an FTP or FTPS
// server. Every operation opens its own control connection; FTP
// sessions are cheap relative to the transfers they carry and most
// servers aggressively time out idle connections.
package ftp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/theduke/objstore"
)

// Kind identifier of this backend; KindSecure selects explicit TLS.
const (
	Kind       = "ftp"
	KindSecure = "ftps"
)

// Store is an FTP-backed objstore.Store.
type Store struct {
	config *Config
	log    *slog.Logger
}

// New creates a store for the given server configuration.
func New(cfg *Config, log *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ftp config: %w", err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{config: cfg, log: log}, nil
}

func (s *Store) Kind() string {
	if s.config.Secure {
		return KindSecure
	}
	return Kind
}

func (s *Store) SafeURI() string {
	return s.config.SafeURI()
}

func (s *Store) buildPath(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.config.Prefix == "" {
		return "/" + key
	}
	return "/" + s.config.Prefix + "/" + key
}

// connect dials, authenticates and switches to binary transfers.
func (s *Store) connect(ctx context.Context) (*ftp.ServerConn, error) {
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(30 * time.Second),
	}
	if s.config.Secure {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: s.config.Host}))
	}
	conn, err := ftp.Dial(s.config.addr(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.config.addr(), err)
	}
	if err := conn.Login(s.config.User, s.config.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login failed: %w", err)
	}
	if err := conn.Type(ftp.TransferTypeBinary); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("failed to switch to binary transfers: %w", err)
	}
	return conn, nil
}

// isNotFound reports whether an FTP status denotes a missing file
// (550, "file unavailable").
func isNotFound(err error) bool {
	var protoErr *textproto.Error
	return errors.As(err, &protoErr) && protoErr.Code == ftp.StatusFileUnavailable
}

func (s *Store) Healthcheck(ctx context.Context) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()
	if err := conn.NoOp(); err != nil {
		return fmt.Errorf("ftp healthcheck failed: %w", err)
	}
	return nil
}

func metaFromEntry(key string, entry *ftp.Entry) *objstore.ObjectMeta {
	meta := objstore.NewObjectMeta(key)
	meta.Size = int64(entry.Size)
	meta.UpdatedAt = entry.Time
	meta.CreatedAt = entry.Time
	return meta
}

func (s *Store) Meta(ctx context.Context, key string) (*objstore.ObjectMeta, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()
	return s.metaOn(conn, key)
}

func (s *Store) metaOn(conn *ftp.ServerConn, key string) (*objstore.ObjectMeta, error) {
	entry, err := conn.GetEntry(s.buildPath(key))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat key %q: %w", key, err)
	}
	if entry.Type != ftp.EntryTypeFile {
		return nil, nil
	}
	return metaFromEntry(key, entry), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := s.getWithMeta(ctx, key, false)
	return data, err
}

func (s *Store) GetWithMeta(ctx context.Context, key string) ([]byte, *objstore.ObjectMeta, error) {
	return s.getWithMeta(ctx, key, true)
}

func (s *Store) getWithMeta(ctx context.Context, key string, wantMeta bool) ([]byte, *objstore.ObjectMeta, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Quit()

	res, err := conn.Retr(s.buildPath(key))
	if isNotFound(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to retrieve key %q: %w", key, err)
	}
	data, err := io.ReadAll(res)
	closeErr := res.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	if closeErr != nil {
		return nil, nil, fmt.Errorf("transfer of key %q did not complete: %w", key, closeErr)
	}
	if data == nil {
		data = []byte{}
	}

	var meta *objstore.ObjectMeta
	if wantMeta {
		meta, err = s.metaOn(conn, key)
		if err != nil {
			return nil, nil, err
		}
		if meta == nil {
			// The server lacks MLST; synthesize from the payload.
			meta = objstore.NewObjectMeta(key)
			meta.Size = int64(len(data))
		}
		digest := sha256.Sum256(data)
		meta.HashSHA256 = digest[:]
	}
	return data, meta, nil
}

func (s *Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := s.Get(ctx, key)
	if err != nil || data == nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) GetStreamWithMeta(ctx context.Context, key string) (*objstore.ObjectMeta, io.ReadCloser, error) {
	data, meta, err := s.GetWithMeta(ctx, key)
	if err != nil || meta == nil {
		return nil, nil, err
	}
	return meta, io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) GenerateDownloadURL(ctx context.Context, args objstore.DownloadURLArgs) (string, error) {
	return "", nil
}

func (s *Store) SendPut(ctx context.Context, put *objstore.Put) (*objstore.ObjectMeta, error) {
	data, err := put.Data.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read put payload for %q: %w", put.Key, err)
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	conditions := put.Conditions
	conditions.Sanitize()
	if !conditions.IsZero() {
		existing, err := s.metaOn(conn, put.Key)
		if err != nil {
			return nil, err
		}
		if err := checkConditions(put.Key, &conditions, existing); err != nil {
			return nil, err
		}
	}

	remotePath := s.buildPath(put.Key)
	s.makeParents(conn, remotePath)
	if err := conn.Stor(remotePath, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to store key %q: %w", put.Key, err)
	}

	s.log.Debug("stored object",
		slog.String("key", put.Key),
		slog.Int("size", len(data)))

	meta := objstore.NewObjectMeta(put.Key)
	meta.Size = int64(len(data))
	meta.MimeType = put.MimeType
	now := time.Now().UTC()
	meta.CreatedAt = now
	meta.UpdatedAt = now
	digest := sha256.Sum256(data)
	meta.HashSHA256 = digest[:]
	return meta, nil
}

// makeParents best-effort creates the directory chain above a path.
// Existing directories answer 550, which is ignored.
func (s *Store) makeParents(conn *ftp.ServerConn, remotePath string) {
	dir := path.Dir(remotePath)
	if dir == "/" || dir == "." {
		return
	}
	segments := strings.Split(strings.TrimPrefix(dir, "/"), "/")
	current := ""
	for _, segment := range segments {
		current += "/" + segment
		_ = conn.MakeDir(current)
	}
}

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
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	err = conn.Delete(s.buildPath(key))
	if err != nil && !isNotFound(err) {
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

// collectEntries walks the remote tree under the store prefix.
func (s *Store) collectEntries(conn *ftp.ServerConn) ([]listedEntry, error) {
	type frame struct {
		remote string
		key    string
	}
	root := "/"
	if s.config.Prefix != "" {
		root = "/" + s.config.Prefix
	}
	stack := []frame{{remote: root, key: ""}}
	var out []listedEntry

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := conn.List(top.remote)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", top.remote, err)
		}
		for _, entry := range entries {
			if entry.Name == "." || entry.Name == ".." {
				continue
			}
			key := entry.Name
			if top.key != "" {
				key = top.key + "/" + entry.Name
			}
			switch entry.Type {
			case ftp.EntryTypeFolder:
				stack = append(stack, frame{remote: strings.TrimSuffix(top.remote, "/") + "/" + entry.Name, key: key})
			case ftp.EntryTypeFile:
				out = append(out, listedEntry{key: key, entry: entry})
			}
		}
	}
	return out, nil
}

type listedEntry struct {
	key   string
	entry *ftp.Entry
}

func (s *Store) List(ctx context.Context, args objstore.ListArgs) (*objstore.Page, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	entries, err := s.collectEntries(conn)
	if err != nil {
		return nil, err
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
		page.Items = append(page.Items, *metaFromEntry(entry.key, entry.entry))
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
