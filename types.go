package objstore

import (
	"bytes"
	"io"
	"time"
)

// SizeUnknown marks an ObjectMeta size that the backend could not determine.
const SizeUnknown int64 = -1

// ObjectMeta describes a stored object.
//
// Metadata is a value type: every read or write produces a new instance,
// instances handed out by a store are never mutated in place.
//
// Fields a backend cannot provide are left at their zero value (or
// SizeUnknown for Size).
type ObjectMeta struct {
	// Key is the slash-delimited object identifier.
	Key string

	// ETag uniquely identifies a content version at a point in time.
	// The format is backend-defined: a sha256 digest, a git blob sha,
	// or a native HTTP ETag.
	ETag string

	// Size of the object in bytes, or SizeUnknown.
	Size int64

	CreatedAt time.Time
	UpdatedAt time.Time

	// HashMD5 is the raw (16 byte) MD5 digest of the content, if known.
	HashMD5 []byte
	// HashSHA256 is the raw (32 byte) SHA-256 digest of the content, if known.
	HashSHA256 []byte

	// MimeType is the MIME content type of the object, if known.
	MimeType string

	// Extra holds backend-specific attributes that are not promoted to
	// first-class fields, e.g. the git blob sha for the GitHub backend.
	Extra map[string]any
}

// NewObjectMeta creates metadata for the given key with all optional
// fields unset.
func NewObjectMeta(key string) *ObjectMeta {
	return &ObjectMeta{Key: key, Size: SizeUnknown}
}

// SetExtra records a backend-specific attribute, allocating the map on
// first use.
func (m *ObjectMeta) SetExtra(name string, value any) {
	if m.Extra == nil {
		m.Extra = map[string]any{}
	}
	m.Extra[name] = value
}

// RoundTimestampsSecond truncates the timestamps to full seconds.
//
// Useful for normalizing timestamps due to differing precisions in the
// backends.
func (m *ObjectMeta) RoundTimestampsSecond() {
	if !m.CreatedAt.IsZero() {
		m.CreatedAt = m.CreatedAt.Truncate(time.Second)
	}
	if !m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.UpdatedAt.Truncate(time.Second)
	}
}

// Page is one page of object metadata returned by Store.List.
type Page struct {
	Items []ObjectMeta

	// NextCursor is the opaque token to pass as ListArgs.Cursor to
	// retrieve the next page. Empty when this is the last page.
	NextCursor string

	// Prefixes holds the delimiter-grouped common prefixes, when a
	// delimiter was requested.
	Prefixes []string
}

// KeyPage is one page of plain keys returned by Store.ListKeys.
type KeyPage struct {
	Items      []string
	NextCursor string
}

// ListArgs controls listing.
type ListArgs struct {
	// Prefix restricts the listing to keys starting with this prefix.
	Prefix string

	// Limit bounds the number of items per page. Zero means
	// backend-defined.
	Limit int64

	// Cursor resumes a listing. It must be echoed verbatim from a prior
	// page's NextCursor; results are strictly after the cursor.
	Cursor string

	// Delimiter groups keys sharing a prefix up to the next delimiter
	// occurrence into Page.Prefixes instead of Items.
	Delimiter string
}

// WithCursor returns a copy of the args resuming at the given cursor.
func (a ListArgs) WithCursor(cursor string) ListArgs {
	a.Cursor = cursor
	return a
}

// DataSource is the payload of a Put: either a bounded in-memory buffer
// or a lazy, unbounded byte stream. Both paths yield identical stored
// bytes and derived metadata.
type DataSource struct {
	data   []byte
	reader io.Reader
}

// BytesSource wraps an in-memory payload.
func BytesSource(data []byte) DataSource {
	if data == nil {
		data = []byte{}
	}
	return DataSource{data: data}
}

// StringSource wraps a string payload.
func StringSource(data string) DataSource {
	return DataSource{data: []byte(data)}
}

// ReaderSource wraps a streaming payload of unknown length.
func ReaderSource(r io.Reader) DataSource {
	return DataSource{reader: r}
}

// IsStream reports whether the payload is a lazy stream rather than a
// buffered byte slice.
func (d DataSource) IsStream() bool {
	return d.reader != nil
}

// Bytes returns the buffered payload. ok is false for streaming sources.
func (d DataSource) Bytes() (data []byte, ok bool) {
	if d.reader != nil {
		return nil, false
	}
	return d.data, true
}

// Reader returns the payload as a reader, regardless of variant.
func (d DataSource) Reader() io.Reader {
	if d.reader != nil {
		return d.reader
	}
	return bytes.NewReader(d.data)
}

// ReadAll drains the payload into memory.
func (d DataSource) ReadAll() ([]byte, error) {
	if d.reader == nil {
		return d.data, nil
	}
	return io.ReadAll(d.reader)
}

// Put is a request to store a value under a key.
type Put struct {
	Key  string
	Data DataSource

	// Conditions guard the write, see the Conditions docs.
	Conditions Conditions

	// MimeType optionally declares the MIME type of the payload.
	MimeType string
}

// NewPut creates a put request without conditions.
func NewPut(key string, data DataSource) *Put {
	return &Put{Key: key, Data: data}
}

// Copy is a request to copy an existing object to a new key.
type Copy struct {
	SourceKey string
	TargetKey string

	// Conditions apply to the target key.
	Conditions Conditions
}

// NewCopy creates a copy request without conditions.
func NewCopy(sourceKey, targetKey string) *Copy {
	return &Copy{SourceKey: sourceKey, TargetKey: targetKey}
}

// DownloadURLArgs configures Store.GenerateDownloadURL.
type DownloadURLArgs struct {
	Key string

	// ValidFor bounds how long the generated link is usable. It does
	// not bound the call itself.
	ValidFor time.Duration

	// Optional response header overrides for backends that support
	// them (currently only S3).
	ResponseContentType        string
	ResponseContentDisposition string
	ResponseContentEncoding    string
	ResponseContentLanguage    string
	ResponseCacheControl       string
}
