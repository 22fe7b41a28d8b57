package fsstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theduke/objstore"
	"github.com/theduke/objstore/fsstore"
	"github.com/theduke/objstore/storetest"
)

func TestConformance(t *testing.T) {
	store, err := fsstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	storetest.Run(t, store)
}

func TestNestedKeysCreateDirectories(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := fsstore.New(root, nil)
	require.NoError(t, err)

	_, err = store.SendPut(ctx, objstore.NewPut("a/b/c/deep.txt", objstore.StringSource("x")))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "a", "b", "c", "deep.txt"))
	require.NoError(t, err)

	data, err := store.Get(ctx, "a/b/c/deep.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestDirectoryIsNotAnObject(t *testing.T) {
	ctx := context.Background()
	store, err := fsstore.New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = store.SendPut(ctx, objstore.NewPut("dir/file.txt", objstore.StringSource("x")))
	require.NoError(t, err)

	meta, err := store.Meta(ctx, "dir")
	require.NoError(t, err)
	assert.Nil(t, meta)

	data, err := store.Get(ctx, "dir")
	require.NoError(t, err)
	assert.Nil(t, data)

	stream, err := store.GetStream(ctx, "dir")
	require.NoError(t, err)
	assert.Nil(t, stream)

	payload, dirMeta, err := store.GetWithMeta(ctx, "dir")
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Nil(t, dirMeta)
}

func TestConditionalOverwrite(t *testing.T) {
	ctx := context.Background()
	store, err := fsstore.New(t.TempDir(), nil)
	require.NoError(t, err)

	meta, err := store.SendPut(ctx, objstore.NewPut("cas.txt", objstore.StringSource("v1")))
	require.NoError(t, err)
	require.NotEmpty(t, meta.ETag)

	put := objstore.NewPut("cas.txt", objstore.StringSource("v2"))
	put.Conditions = objstore.Conditions{IfMatch: objstore.MatchTags(meta.ETag)}
	_, err = store.SendPut(ctx, put)
	require.NoError(t, err)

	// The first etag is now stale.
	put = objstore.NewPut("cas.txt", objstore.StringSource("v3"))
	put.Conditions = objstore.Conditions{IfMatch: objstore.MatchTags(meta.ETag)}
	_, err = store.SendPut(ctx, put)
	require.Error(t, err)
	assert.True(t, objstore.IsPreconditionFailed(err))

	data, err := store.Get(ctx, "cas.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}
