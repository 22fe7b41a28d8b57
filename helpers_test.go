package objstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pageStore serves a fixed sequence of key pages and counts the calls,
// so tests can verify that pagers fetch lazily.
type pageStore struct {
	pages []KeyPage
	calls int
}

func (s *pageStore) Kind() string                            { return "fake" }
func (s *pageStore) SafeURI() string                         { return "fake://" }
func (s *pageStore) Healthcheck(ctx context.Context) error   { return nil }
func (s *pageStore) Meta(ctx context.Context, key string) (*ObjectMeta, error) { return nil, nil }
func (s *pageStore) Get(ctx context.Context, key string) ([]byte, error)       { return nil, nil }
func (s *pageStore) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, nil
}
func (s *pageStore) GetWithMeta(ctx context.Context, key string) ([]byte, *ObjectMeta, error) {
	return nil, nil, nil
}
func (s *pageStore) GetStreamWithMeta(ctx context.Context, key string) (*ObjectMeta, io.ReadCloser, error) {
	return nil, nil, nil
}
func (s *pageStore) GenerateDownloadURL(ctx context.Context, args DownloadURLArgs) (string, error) {
	return "", nil
}
func (s *pageStore) SendPut(ctx context.Context, put *Put) (*ObjectMeta, error) {
	return nil, nil
}
func (s *pageStore) SendCopy(ctx context.Context, copy *Copy) (*ObjectMeta, error) {
	return nil, nil
}
func (s *pageStore) Delete(ctx context.Context, key string) error             { return nil }
func (s *pageStore) DeletePrefix(ctx context.Context, prefix string) error    { return nil }
func (s *pageStore) List(ctx context.Context, args ListArgs) (*Page, error) {
	keyPage, err := s.ListKeys(ctx, args)
	if err != nil {
		return nil, err
	}
	page := &Page{NextCursor: keyPage.NextCursor}
	for _, key := range keyPage.Items {
		page.Items = append(page.Items, ObjectMeta{Key: key, Size: SizeUnknown})
	}
	return page, nil
}

func (s *pageStore) ListKeys(ctx context.Context, args ListArgs) (*KeyPage, error) {
	// Resolve the page matching the cursor handed back by the caller.
	idx := 0
	if args.Cursor != "" {
		for i, page := range s.pages[:len(s.pages)-1] {
			if page.NextCursor == args.Cursor {
				idx = i + 1
				break
			}
		}
	}
	s.calls++
	page := s.pages[idx]
	return &page, nil
}

func TestKeyPagerWalksAllPages(t *testing.T) {
	store := &pageStore{pages: []KeyPage{
		{Items: []string{"a", "b"}, NextCursor: "cursor-1"},
		{Items: []string{"c"}, NextCursor: "cursor-2"},
		{Items: []string{"d"}},
	}}

	ctx := context.Background()
	pager := NewKeyPager(store, ListArgs{})

	var got []string
	for pager.Next(ctx) {
		got = append(got, pager.Page().Items...)
	}
	require.NoError(t, pager.Err())
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	assert.Equal(t, 3, store.calls)

	// Exhausted pagers stay exhausted.
	assert.False(t, pager.Next(ctx))
	assert.Equal(t, 3, store.calls)
}

func TestKeyPagerIsLazy(t *testing.T) {
	store := &pageStore{pages: []KeyPage{
		{Items: []string{"a"}, NextCursor: "cursor-1"},
		{Items: []string{"b"}},
	}}

	ctx := context.Background()
	pager := NewKeyPager(store, ListArgs{})
	assert.Equal(t, 0, store.calls, "creating a pager must not fetch")

	require.True(t, pager.Next(ctx))
	assert.Equal(t, 1, store.calls, "a consumer that stops polling causes no further fetches")
}

func TestListAllKeys(t *testing.T) {
	store := &pageStore{pages: []KeyPage{
		{Items: []string{"x/1", "x/2"}, NextCursor: "cursor-1"},
		{Items: []string{"x/3"}},
	}}

	keys, err := ListAllKeys(context.Background(), store, "x/")
	require.NoError(t, err)
	assert.Equal(t, []string{"x/1", "x/2", "x/3"}, keys)
}

func TestPagerSinglePage(t *testing.T) {
	store := &pageStore{pages: []KeyPage{{Items: []string{"only"}}}}

	pager := NewPager(store, ListArgs{})
	ctx := context.Background()
	require.True(t, pager.Next(ctx))
	assert.Len(t, pager.Page().Items, 1)
	assert.False(t, pager.Next(ctx))
	require.NoError(t, pager.Err())
	assert.Equal(t, 1, store.calls)
}
