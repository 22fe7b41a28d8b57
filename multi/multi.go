// Package multi combines several stores into one: writes replicate to
// every reachable backend, reads fall through the backends in order
// until one holds the key.
package multi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/theduke/objstore"
)

const Kind = "multi"

// Store fans a single store contract out over multiple backends.
//
// Reads return the first definitive answer: a backend that errors is
// skipped, a backend that holds the key wins, and the key is absent
// only once every backend has answered. Writes go to all backends and
// succeed when at least one does; deletes must succeed everywhere so
// the replicas stay consistent.
type Store struct {
	backends []objstore.Store
	log      *slog.Logger
}

// New combines the given backends. Order matters: reads prefer earlier
// backends.
func New(backends []objstore.Store, log *slog.Logger) (*Store, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{backends: backends, log: log}, nil
}

func (m *Store) Kind() string {
	return Kind
}

func (m *Store) SafeURI() string {
	uris := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		uris = append(uris, backend.SafeURI())
	}
	return "multi:[" + strings.Join(uris, ",") + "]"
}

// Healthcheck succeeds when any backend is reachable.
func (m *Store) Healthcheck(ctx context.Context) error {
	var errs []error
	for _, backend := range m.backends {
		if err := backend.Healthcheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Kind(), err))
			continue
		}
		return nil
	}
	return fmt.Errorf("no backend is healthy: %w", errors.Join(errs...))
}

// read runs op against each backend until one answers. op reports
// whether it produced a result.
func (m *Store) read(ctx context.Context, key string, op func(objstore.Store) (bool, error)) error {
	start := time.Now()
	var errs []error

	for _, backend := range m.backends {
		found, err := op(backend)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Kind(), err))
			m.log.Debug("backend read failed",
				slog.String("backend", backend.Kind()),
				slog.String("key", key),
				"err", err)
			continue
		}
		if found {
			m.log.Debug("backend served read",
				slog.String("backend", backend.Kind()),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return nil
		}
	}

	// A backend that answered "absent" without erroring is a
	// definitive result.
	if len(errs) < len(m.backends) {
		return nil
	}
	m.log.Error("all backends failed to read",
		slog.String("key", key),
		slog.Int("failed_backends", len(errs)))
	return fmt.Errorf("all backends failed to read %q: %w", key, errors.Join(errs...))
}

func (m *Store) Meta(ctx context.Context, key string) (*objstore.ObjectMeta, error) {
	var result *objstore.ObjectMeta
	err := m.read(ctx, key, func(s objstore.Store) (bool, error) {
		meta, err := s.Meta(ctx, key)
		result = meta
		return meta != nil, err
	})
	return result, err
}

func (m *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte
	err := m.read(ctx, key, func(s objstore.Store) (bool, error) {
		data, err := s.Get(ctx, key)
		result = data
		return data != nil, err
	})
	return result, err
}

func (m *Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	var result io.ReadCloser
	err := m.read(ctx, key, func(s objstore.Store) (bool, error) {
		stream, err := s.GetStream(ctx, key)
		result = stream
		return stream != nil, err
	})
	return result, err
}

func (m *Store) GetWithMeta(ctx context.Context, key string) ([]byte, *objstore.ObjectMeta, error) {
	var data []byte
	var meta *objstore.ObjectMeta
	err := m.read(ctx, key, func(s objstore.Store) (bool, error) {
		var err error
		data, meta, err = s.GetWithMeta(ctx, key)
		return meta != nil, err
	})
	return data, meta, err
}

func (m *Store) GetStreamWithMeta(ctx context.Context, key string) (*objstore.ObjectMeta, io.ReadCloser, error) {
	var meta *objstore.ObjectMeta
	var stream io.ReadCloser
	err := m.read(ctx, key, func(s objstore.Store) (bool, error) {
		var err error
		meta, stream, err = s.GetStreamWithMeta(ctx, key)
		return meta != nil, err
	})
	return meta, stream, err
}

// GenerateDownloadURL returns the first URL any backend can produce.
func (m *Store) GenerateDownloadURL(ctx context.Context, args objstore.DownloadURLArgs) (string, error) {
	for _, backend := range m.backends {
		u, err := backend.GenerateDownloadURL(ctx, args)
		if err != nil {
			m.log.Debug("backend could not generate download URL",
				slog.String("backend", backend.Kind()),
				slog.String("key", args.Key),
				"err", err)
			continue
		}
		if u != "" {
			return u, nil
		}
	}
	return "", nil
}

func (m *Store) SendPut(ctx context.Context, put *objstore.Put) (*objstore.ObjectMeta, error) {
	// Streaming payloads are buffered once so every backend sees the
	// same bytes.
	data, err := put.Data.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read put payload for %q: %w", put.Key, err)
	}

	start := time.Now()
	var result *objstore.ObjectMeta
	var errs []error

	for _, backend := range m.backends {
		replicated := objstore.NewPut(put.Key, objstore.BytesSource(data))
		replicated.Conditions = put.Conditions
		replicated.MimeType = put.MimeType

		meta, err := backend.SendPut(ctx, replicated)
		if err != nil {
			if objstore.IsPreconditionFailed(err) {
				return nil, err
			}
			errs = append(errs, fmt.Errorf("%s: %w", backend.Kind(), err))
			m.log.Debug("backend write failed",
				slog.String("backend", backend.Kind()),
				slog.String("key", put.Key),
				"err", err)
			continue
		}
		if result == nil {
			result = meta
			m.log.Info("stored object",
				slog.String("backend", backend.Kind()),
				slog.String("key", put.Key),
				slog.Duration("duration", time.Since(start)))
		}
	}

	if result == nil {
		m.log.Error("all backends failed to store",
			slog.String("key", put.Key),
			slog.Int("failed_backends", len(errs)))
		return nil, fmt.Errorf("all backends failed to store %q: %w", put.Key, errors.Join(errs...))
	}
	if len(errs) > 0 {
		m.log.Warn("object stored on a subset of backends",
			slog.String("key", put.Key),
			slog.Int("failed_backends", len(errs)))
	}
	return result, nil
}

func (m *Store) SendCopy(ctx context.Context, copy *objstore.Copy) (*objstore.ObjectMeta, error) {
	data, err := m.Get(ctx, copy.SourceKey)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("copy source %q: %w", copy.SourceKey, objstore.ErrNotFound)
	}
	put := objstore.NewPut(copy.TargetKey, objstore.BytesSource(data))
	put.Conditions = copy.Conditions
	return m.SendPut(ctx, put)
}

// Delete removes the key everywhere. Unlike writes it fails on the
// first backend error: a replica still holding the key would resurrect
// it through read fallthrough.
func (m *Store) Delete(ctx context.Context, key string) error {
	var errs []error
	for _, backend := range m.backends {
		if err := backend.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Kind(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete %q from all backends: %w", key, errors.Join(errs...))
	}
	return nil
}

func (m *Store) DeletePrefix(ctx context.Context, prefix string) error {
	var errs []error
	for _, backend := range m.backends {
		if err := backend.DeletePrefix(ctx, prefix); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Kind(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete prefix %q from all backends: %w", prefix, errors.Join(errs...))
	}
	return nil
}

// List serves from the first backend that answers. Listings reflect a
// single backend's view, which after partial write failures may lag
// the union.
func (m *Store) List(ctx context.Context, args objstore.ListArgs) (*objstore.Page, error) {
	var errs []error
	for _, backend := range m.backends {
		page, err := backend.List(ctx, args)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Kind(), err))
			continue
		}
		return page, nil
	}
	return nil, fmt.Errorf("all backends failed to list: %w", errors.Join(errs...))
}

func (m *Store) ListKeys(ctx context.Context, args objstore.ListArgs) (*objstore.KeyPage, error) {
	var errs []error
	for _, backend := range m.backends {
		page, err := backend.ListKeys(ctx, args)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Kind(), err))
			continue
		}
		return page, nil
	}
	return nil, fmt.Errorf("all backends failed to list: %w", errors.Join(errs...))
}

var _ objstore.Store = (*Store)(nil)
