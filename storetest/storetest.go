// Package storetest provides a conformance suite ensuring that all
// store implementations exhibit the same behavior.
package storetest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theduke/objstore"
)

// Run exercises the full store contract against the given
// implementation. Keys are namespaced under a random prefix, which is
// purged afterwards.
func Run(t *testing.T, store objstore.Store) {
	ctx := context.Background()
	prefix := "storetest-" + uuid.NewString() + "/"

	require.NoError(t, store.Healthcheck(ctx), "healthcheck should succeed")
	assert.NotEmpty(t, store.Kind())
	assertSafeURI(t, store.SafeURI())

	t.Cleanup(func() {
		_ = store.DeletePrefix(ctx, prefix)
	})

	t.Run("roundtrip", func(t *testing.T) { testRoundtrip(t, store, prefix) })
	t.Run("empty_payload", func(t *testing.T) { testEmptyPayload(t, store, prefix) })
	t.Run("stream_put", func(t *testing.T) { testStreamPut(t, store, prefix) })
	t.Run("absent_key", func(t *testing.T) { testAbsentKey(t, store, prefix) })
	t.Run("idempotent_delete", func(t *testing.T) { testIdempotentDelete(t, store, prefix) })
	t.Run("conditional_create", func(t *testing.T) { testConditionalCreate(t, store, prefix) })
	t.Run("copy", func(t *testing.T) { testCopy(t, store, prefix) })
	t.Run("list_pagination", func(t *testing.T) { testListPagination(t, store, prefix) })
	t.Run("list_delimiter", func(t *testing.T) { testListDelimiter(t, store, prefix) })
	t.Run("json", func(t *testing.T) { testJSON(t, store, prefix) })
	t.Run("scenario", func(t *testing.T) { testScenario(t, store, prefix) })
	t.Run("delete_prefix", func(t *testing.T) { testDeletePrefix(t, store, prefix) })
}

func assertSafeURI(t *testing.T, uri string) {
	t.Helper()
	require.NotEmpty(t, uri, "safe URI must be set")
	for _, fragment := range []string{"secret", "password", "token"} {
		assert.NotContains(t, strings.ToLower(uri), fragment,
			"safe URI must not leak credentials")
	}
}

// expectKey verifies that a key holds the given value through every
// retrieval path.
func expectKey(t *testing.T, store objstore.Store, key string, value []byte) {
	t.Helper()
	ctx := context.Background()

	meta, err := store.Meta(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, meta, "meta should exist for key %q", key)
	assert.Equal(t, key, meta.Key)
	if meta.Size != objstore.SizeUnknown {
		assert.Equal(t, int64(len(value)), meta.Size, "size should match for key %q", key)
	}
	if meta.HashSHA256 != nil {
		digest := sha256.Sum256(value)
		assert.Equal(t, digest[:], meta.HashSHA256)
	}

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, value, data)

	data, withMeta, err := store.GetWithMeta(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, withMeta)
	assert.Equal(t, value, data)
	assert.Equal(t, key, withMeta.Key)

	stream, err := store.GetStream(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, stream)
	streamed, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Equal(t, value, streamed)

	streamMeta, stream, err := store.GetStreamWithMeta(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, streamMeta)
	streamed, err = io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Equal(t, value, streamed)
}

func testRoundtrip(t *testing.T, store objstore.Store, prefix string) {
	ctx := context.Background()
	key := prefix + "roundtrip/value.bin"
	value := []byte("hello objstore")

	meta, err := store.SendPut(ctx, objstore.NewPut(key, objstore.BytesSource(value)))
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, key, meta.Key)
	expectKey(t, store, key, value)

	// Overwrite replaces, never mutates.
	next := []byte("replaced")
	_, err = store.SendPut(ctx, objstore.NewPut(key, objstore.BytesSource(next)))
	require.NoError(t, err)
	expectKey(t, store, key, next)
}

func testEmptyPayload(t *testing.T, store objstore.Store, prefix string) {
	ctx := context.Background()
	key := prefix + "empty/value.bin"

	_, err := store.SendPut(ctx, objstore.NewPut(key, objstore.BytesSource(nil)))
	require.NoError(t, err)

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, data, "existing empty object must not read as absent")
	assert.Len(t, data, 0)
}

func testStreamPut(t *testing.T, store objstore.Store, prefix string) {
	ctx := context.Background()
	key := prefix + "stream/value.bin"
	value := bytes.Repeat([]byte("streamed-data-"), 1024)

	put := objstore.NewPut(key, objstore.ReaderSource(bytes.NewReader(value)))
	_, err := store.SendPut(ctx, put)
	require.NoError(t, err)
	expectKey(t, store, key, value)
}

func testAbsentKey(t *testing.T, store objstore.Store, prefix string) {
	ctx := context.Background()
	key := prefix + "absent/nope"

	meta, err := store.Meta(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, meta)

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, data)

	stream, err := store.GetStream(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, stream)

	data, withMeta, err := store.GetWithMeta(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Nil(t, withMeta)
}

func testIdempotentDelete(t *testing.T, store objstore.Store, prefix string) {
	ctx := context.Background()
	require.NoError(t, store.Delete(ctx, prefix+"absent/nothing-here"))
}

func testConditionalCreate(t *testing.T, store objstore.Store, prefix string) {
	ctx := context.Background()
	key := prefix + "conditional/create"

	put := objstore.NewPut(key, objstore.StringSource("first"))
	put.Conditions = objstore.IfNotExists()
	_, err := store.SendPut(ctx, put)
	require.NoError(t, err, "conditional create of an absent key should succeed")

	put = objstore.NewPut(key, objstore.StringSource("second"))
	put.Conditions = objstore.IfNotExists()
	_, err = store.SendPut(ctx, put)
	require.Error(t, err, "conditional create of an existing key must fail")
	assert.True(t, objstore.IsPreconditionFailed(err),
		"expected precondition failure, got: %v", err)

	expectKey(t, store, key, []byte("first"))
}

func testCopy(t *testing.T, store objstore.Store, prefix string) {
	ctx := context.Background()
	source := prefix + "copy/source"
	target := prefix + "copy/target"
	value := []byte("copy me")

	_, err := store.SendPut(ctx, objstore.NewPut(source, objstore.BytesSource(value)))
	require.NoError(t, err)

	_, err = store.SendCopy(ctx, objstore.NewCopy(source, target))
	require.NoError(t, err)

	expectKey(t, store, source, value)
	expectKey(t, store, target, value)
}

func testListPagination(t *testing.T, store objstore.Store, prefix string) {
	ctx := context.Background()
	listPrefix := prefix + "paging/"

	var want []string
	for i := 0; i < 7; i++ {
		key := fmt.Sprintf("%sitem-%02d", listPrefix, i)
		want = append(want, key)
		_, err := store.SendPut(ctx, objstore.NewPut(key, objstore.StringSource("x")))
		require.NoError(t, err)
	}

	// Page through with a small limit; cursors are strictly exclusive,
	// so no duplicates and no gaps.
	var got []string
	pager := objstore.NewKeyPager(store, objstore.ListArgs{Prefix: listPrefix, Limit: 3})
	pages := 0
	for pager.Next(ctx) {
		pages++
		page := pager.Page()
		got = append(got, page.Items...)
		require.Less(t, pages, 100, "listing must terminate")
	}
	require.NoError(t, pager.Err())

	sort.Strings(got)
	assert.Equal(t, want, got)
	assert.GreaterOrEqual(t, pages, 3, "limit 3 over 7 keys needs at least 3 pages")

	all, err := objstore.ListAllKeys(ctx, store, listPrefix)
	require.NoError(t, err)
	sort.Strings(all)
	assert.Equal(t, want, all)
}

func testListDelimiter(t *testing.T, store objstore.Store, prefix string) {
	ctx := context.Background()
	base := prefix + "tree/"
	keys := []string{
		base + "top.txt",
		base + "a/one.txt",
		base + "a/two.txt",
		base + "b/deep/three.txt",
	}
	for _, key := range keys {
		_, err := store.SendPut(ctx, objstore.NewPut(key, objstore.StringSource("x")))
		require.NoError(t, err)
	}

	page, err := store.List(ctx, objstore.ListArgs{Prefix: base, Delimiter: "/"})
	require.NoError(t, err)

	var items []string
	for _, meta := range page.Items {
		items = append(items, meta.Key)
	}
	assert.Equal(t, []string{base + "top.txt"}, items)

	// Every key under the prefix is reachable exactly once: directly or
	// via exactly one common prefix.
	prefixes := append([]string{}, page.Prefixes...)
	sort.Strings(prefixes)
	assert.Equal(t, []string{base + "a/", base + "b/"}, prefixes)
}

func testJSON(t *testing.T, store objstore.Store, prefix string) {
	ctx := context.Background()
	key := prefix + "json/doc"

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	_, err := objstore.PutJSON(ctx, store, key, doc{Name: "a", Count: 3}, objstore.Conditions{})
	require.NoError(t, err)

	var out doc
	found, err := objstore.GetJSON(ctx, store, key, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, doc{Name: "a", Count: 3}, out)

	found, err = objstore.GetJSON(ctx, store, prefix+"json/absent", &out)
	require.NoError(t, err)
	assert.False(t, found)

	// Decode failures name the offending field.
	_, err = store.SendPut(ctx, objstore.NewPut(key, objstore.StringSource(`{"name": "a", "count": "NaN"}`)))
	require.NoError(t, err)
	_, err = objstore.GetJSON(ctx, store, key, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count")
}

func testScenario(t *testing.T, store objstore.Store, prefix string) {
	ctx := context.Background()
	key := prefix + "a/b.txt"
	value := []byte("hello")

	_, err := store.SendPut(ctx, objstore.NewPut(key, objstore.BytesSource(value)))
	require.NoError(t, err)

	page, err := store.List(ctx, objstore.ListArgs{Prefix: prefix + "a/"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	meta := page.Items[0]
	assert.Equal(t, key, meta.Key)
	if meta.Size != objstore.SizeUnknown {
		assert.Equal(t, int64(5), meta.Size)
	}
	if meta.HashSHA256 != nil {
		digest := sha256.Sum256(value)
		assert.Equal(t, digest[:], meta.HashSHA256)
	}

	require.NoError(t, store.DeletePrefix(ctx, prefix+"a/"))

	page, err = store.List(ctx, objstore.ListArgs{Prefix: prefix + "a/"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.NextCursor)
}

func testDeletePrefix(t *testing.T, store objstore.Store, prefix string) {
	ctx := context.Background()
	keep := prefix + "keep/me"
	doomed := []string{prefix + "doomed/one", prefix + "doomed/two"}

	_, err := store.SendPut(ctx, objstore.NewPut(keep, objstore.StringSource("x")))
	require.NoError(t, err)
	for _, key := range doomed {
		_, err := store.SendPut(ctx, objstore.NewPut(key, objstore.StringSource("x")))
		require.NoError(t, err)
	}

	require.NoError(t, store.DeletePrefix(ctx, prefix+"doomed/"))

	for _, key := range doomed {
		meta, err := store.Meta(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, meta, "key %q should be gone", key)
	}
	expectKey(t, store, keep, []byte("x"))
}
