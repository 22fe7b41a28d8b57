// Package objstore provides one uniform key-value object interface over
// heterogeneous backing stores.
//
// Callers select a backend implicitly via a URI scheme (see Builder) and
// interact through the Store contract regardless of which backend
// answers. Backends live in subpackages: memory, fsstore, s3, github,
// sftp and ftp, plus a replicating multi store combining several of
// them.
package objstore

import (
	"context"
	"io"
)

// Store is the capability contract every backend satisfies.
//
// Absence is never an error: operations on a missing key return nil
// results, and deleting an absent key succeeds. Stores are internally
// synchronized and safe for concurrent use; the interface value is the
// shared handle.
type Store interface {
	// Kind returns a descriptive backend identifier, e.g. "memory",
	// "s3".
	Kind() string

	// SafeURI returns a URI identifying the store with all credentials
	// scrubbed. Safe for display and logging.
	SafeURI() string

	// Healthcheck verifies that the store is usable. It may perform
	// upstream requests to validate connectivity and credentials.
	Healthcheck(ctx context.Context) error

	// Meta returns metadata for a key, or (nil, nil) if the key is
	// absent.
	Meta(ctx context.Context, key string) (*ObjectMeta, error)

	// Get returns the value for a key, or (nil, nil) if the key is
	// absent. An existing empty object returns a non-nil empty slice.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetStream returns the value as a stream, or (nil, nil) if the key
	// is absent. The caller must close the returned reader.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)

	// GetWithMeta returns both value and metadata, or (nil, nil, nil)
	// if the key is absent.
	GetWithMeta(ctx context.Context, key string) ([]byte, *ObjectMeta, error)

	// GetStreamWithMeta returns metadata and a value stream, or
	// (nil, nil, nil) if the key is absent.
	GetStreamWithMeta(ctx context.Context, key string) (*ObjectMeta, io.ReadCloser, error)

	// GenerateDownloadURL returns a pre-signed download link for a key.
	// Backends without pre-signing support return ("", nil).
	GenerateDownloadURL(ctx context.Context, args DownloadURLArgs) (string, error)

	// SendPut stores a value under a key, honoring put.Conditions.
	// Condition failures wrap ErrPreconditionFailed.
	SendPut(ctx context.Context, put *Put) (*ObjectMeta, error)

	// SendCopy copies an existing object to a new key, honoring
	// copy.Conditions. May apply server-side copy optimizations.
	SendCopy(ctx context.Context, copy *Copy) (*ObjectMeta, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes all keys with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// List returns one page of object metadata.
	List(ctx context.Context, args ListArgs) (*Page, error)

	// ListKeys returns one page of keys without metadata.
	ListKeys(ctx context.Context, args ListArgs) (*KeyPage, error)
}
