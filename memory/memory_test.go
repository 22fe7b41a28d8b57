package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theduke/objstore"
	"github.com/theduke/objstore/storetest"
)

func TestMemoryStoreConformance(t *testing.T) {
	storetest.Run(t, New())
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := New()

	meta, err := store.SendPut(ctx, objstore.NewPut("cas", objstore.StringSource("v1")))
	require.NoError(t, err)

	// Replace guarded by the current etag.
	put := objstore.NewPut("cas", objstore.StringSource("v2"))
	put.Conditions = objstore.IfMatchTags(meta.ETag)
	_, err = store.SendPut(ctx, put)
	require.NoError(t, err)

	// The stale etag no longer matches.
	put = objstore.NewPut("cas", objstore.StringSource("v3"))
	put.Conditions = objstore.IfMatchTags(meta.ETag)
	_, err = store.SendPut(ctx, put)
	require.Error(t, err)
	assert.True(t, objstore.IsPreconditionFailed(err))

	data, err := store.Get(ctx, "cas")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestMemoryStorePurgeAll(t *testing.T) {
	ctx := context.Background()
	store := New()

	for _, key := range []string{"a", "b/c", "d/e/f"} {
		_, err := store.SendPut(ctx, objstore.NewPut(key, objstore.StringSource("x")))
		require.NoError(t, err)
	}
	require.NoError(t, objstore.PurgeAll(ctx, store))

	keys, err := objstore.ListAllKeys(ctx, store, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
