package objstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// ListAllKeys pages through all keys under a prefix and accumulates
// them in memory.
//
// NOTE: unbounded key sets will exhaust memory. Use a KeyPager for
// large stores.
func ListAllKeys(ctx context.Context, store Store, prefix string) ([]string, error) {
	var keys []string
	pager := NewKeyPager(store, ListArgs{Prefix: prefix})
	for pager.Next(ctx) {
		keys = append(keys, pager.Page().Items...)
	}
	if err := pager.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// PurgeAll deletes every key in the store. Equivalent to
// DeletePrefix("").
func PurgeAll(ctx context.Context, store Store) error {
	return store.DeletePrefix(ctx, "")
}

// GetJSON reads a key and decodes its JSON content into out. Returns
// found=false without touching out when the key is absent.
//
// Decode failures name the offending field where the encoding/json
// error provides one.
func GetJSON(ctx context.Context, store Store, key string, out any) (found bool, err error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("could not decode JSON for key %q: %s", key, jsonErrorDetail(err))
	}
	return true, nil
}

// PutJSON encodes a value as JSON and stores it under the key with the
// given conditions.
func PutJSON(ctx context.Context, store Store, key string, value any, conditions Conditions) (*ObjectMeta, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("could not encode JSON for key %q: %w", key, err)
	}
	put := NewPut(key, BytesSource(data))
	put.Conditions = conditions
	put.MimeType = "application/json"
	return store.SendPut(ctx, put)
}

// jsonErrorDetail extracts a path to the offending field from
// encoding/json errors, falling back to the raw message.
func jsonErrorDetail(err error) string {
	if typeErr, ok := err.(*json.UnmarshalTypeError); ok && typeErr.Field != "" {
		return fmt.Sprintf("field %q: cannot decode %s into %s", typeErr.Field, typeErr.Value, typeErr.Type)
	}
	return err.Error()
}

// Pager lazily iterates the pages of a listing.
//
// Each call to Next fetches exactly one page by resending List with the
// cursor from the previous page; a consumer that stops calling Next
// performs no further fetches. The iteration terminates when a page
// carries no NextCursor.
//
//	pager := objstore.NewPager(store, args)
//	for pager.Next(ctx) {
//		page := pager.Page()
//		...
//	}
//	if err := pager.Err(); err != nil { ... }
type Pager struct {
	store   Store
	args    ListArgs
	page    *Page
	err     error
	started bool
	done    bool
}

// NewPager creates a pager starting at args (including any cursor
// already set).
func NewPager(store Store, args ListArgs) *Pager {
	return &Pager{store: store, args: args}
}

// Next fetches the next page. It returns false once all pages were
// consumed or an error occurred; check Err afterwards.
func (p *Pager) Next(ctx context.Context) bool {
	if p.done || p.err != nil {
		return false
	}
	if p.started {
		if p.page.NextCursor == "" {
			p.done = true
			return false
		}
		p.args = p.args.WithCursor(p.page.NextCursor)
	}
	p.started = true
	p.page, p.err = p.store.List(ctx, p.args)
	if p.err != nil {
		p.done = true
		return false
	}
	return true
}

// Page returns the page fetched by the last successful Next.
func (p *Pager) Page() *Page {
	return p.page
}

// Err returns the first error encountered, if any.
func (p *Pager) Err() error {
	return p.err
}

// KeyPager is the Pager counterpart for ListKeys.
type KeyPager struct {
	store   Store
	args    ListArgs
	page    *KeyPage
	err     error
	started bool
	done    bool
}

// NewKeyPager creates a key pager starting at args.
func NewKeyPager(store Store, args ListArgs) *KeyPager {
	return &KeyPager{store: store, args: args}
}

// Next fetches the next key page. It returns false once all pages were
// consumed or an error occurred; check Err afterwards.
func (p *KeyPager) Next(ctx context.Context) bool {
	if p.done || p.err != nil {
		return false
	}
	if p.started {
		if p.page.NextCursor == "" {
			p.done = true
			return false
		}
		p.args = p.args.WithCursor(p.page.NextCursor)
	}
	p.started = true
	p.page, p.err = p.store.ListKeys(ctx, p.args)
	if p.err != nil {
		p.done = true
		return false
	}
	return true
}

// Page returns the page fetched by the last successful Next.
func (p *KeyPager) Page() *KeyPage {
	return p.page
}

// Err returns the first error encountered, if any.
func (p *KeyPager) Err() error {
	return p.err
}
