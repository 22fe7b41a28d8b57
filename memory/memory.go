// Package memory provides an in-memory object store, mainly useful for
// testing and ephemeral data.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/theduke/objstore"
)

// Store is an in-memory objstore.Store. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	items map[string]item
}

type item struct {
	data []byte
	meta objstore.ObjectMeta
}

// Kind identifier of this backend.
const Kind = "memory"

// New creates an empty in-memory store.
func New() *Store {
	return &Store{items: map[string]item{}}
}

func (s *Store) Kind() string {
	return Kind
}

func (s *Store) SafeURI() string {
	return "memory://"
}

func (s *Store) Healthcheck(ctx context.Context) error {
	return nil
}

func (s *Store) Meta(ctx context.Context, key string) (*objstore.ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if it, ok := s.items[key]; ok {
		meta := it.meta
		return &meta, nil
	}
	return nil, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if it, ok := s.items[key]; ok {
		data := make([]byte, len(it.data))
		copy(data, it.data)
		return data, nil
	}
	return nil, nil
}

func (s *Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := s.Get(ctx, key)
	if err != nil || data == nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (s *Store) GetWithMeta(ctx context.Context, key string) ([]byte, *objstore.ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if it, ok := s.items[key]; ok {
		data := make([]byte, len(it.data))
		copy(data, it.data)
		meta := it.meta
		return data, &meta, nil
	}
	return nil, nil, nil
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
		return nil, fmt.Errorf("failed to read put payload for key %q: %w", put.Key, err)
	}

	conditions := put.Conditions
	conditions.Sanitize()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.items[put.Key]
	if err := checkConditions(put.Key, &conditions, exists, &existing.meta); err != nil {
		return nil, err
	}

	digest := sha256.Sum256(data)
	now := time.Now().UTC()

	meta := objstore.ObjectMeta{
		Key: put.Key,
		// The sha256 digest doubles as the etag.
		ETag:       "sha256:" + hex.EncodeToString(digest[:]),
		Size:       int64(len(data)),
		CreatedAt:  now,
		UpdatedAt:  now,
		HashSHA256: digest[:],
		MimeType:   put.MimeType,
	}
	if exists && !existing.meta.CreatedAt.IsZero() {
		meta.CreatedAt = existing.meta.CreatedAt
	}

	s.items[put.Key] = item{data: data, meta: meta}

	out := meta
	return &out, nil
}

func checkConditions(key string, c *objstore.Conditions, exists bool, existing *objstore.ObjectMeta) error {
	if c.IfMatch != nil {
		if !exists {
			return objstore.PreconditionFailedf("put %q: expected existing object", key)
		}
		if !c.IfMatch.Matches(existing.ETag) {
			return objstore.PreconditionFailedf("put %q: etag mismatch", key)
		}
	}
	if c.IfNoneMatch != nil {
		if c.IfNoneMatch.Any {
			if exists {
				return objstore.PreconditionFailedf("put %q: object already exists", key)
			}
		} else if exists && c.IfNoneMatch.Matches(existing.ETag) {
			return objstore.PreconditionFailedf("put %q: existing object matches forbidden tag", key)
		}
	}
	if exists && !c.IfUnmodifiedSince.IsZero() && existing.UpdatedAt.After(c.IfUnmodifiedSince) {
		return objstore.PreconditionFailedf("put %q: object modified after required timestamp", key)
	}
	if exists && !c.IfModifiedSince.IsZero() && !existing.UpdatedAt.After(c.IfModifiedSince) {
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
	put.MimeType = meta.MimeType
	return s.SendPut(ctx, put)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			delete(s.items, key)
		}
	}
	return nil
}

func (s *Store) List(ctx context.Context, args objstore.ListArgs) (*objstore.Page, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	limit := int(args.Limit)
	if limit <= 0 {
		limit = 1000
	}

	page := &objstore.Page{}
	prefixes := map[string]struct{}{}

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
			page.NextCursor = page.Items[len(page.Items)-1].Key
			break
		}

		s.mu.RLock()
		it, ok := s.items[key]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		page.Items = append(page.Items, it.meta)
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
