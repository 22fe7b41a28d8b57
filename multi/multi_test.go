package multi

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theduke/objstore"
	"github.com/theduke/objstore/memory"
	"github.com/theduke/objstore/storetest"
)

// brokenStore fails every operation, standing in for an unreachable
// backend.
type brokenStore struct {
	err error
}

func (b *brokenStore) Kind() string    { return "broken" }
func (b *brokenStore) SafeURI() string { return "broken://" }

func (b *brokenStore) Healthcheck(ctx context.Context) error { return b.err }

func (b *brokenStore) Meta(ctx context.Context, key string) (*objstore.ObjectMeta, error) {
	return nil, b.err
}

func (b *brokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, b.err
}

func (b *brokenStore) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, b.err
}

func (b *brokenStore) GetWithMeta(ctx context.Context, key string) ([]byte, *objstore.ObjectMeta, error) {
	return nil, nil, b.err
}

func (b *brokenStore) GetStreamWithMeta(ctx context.Context, key string) (*objstore.ObjectMeta, io.ReadCloser, error) {
	return nil, nil, b.err
}

func (b *brokenStore) GenerateDownloadURL(ctx context.Context, args objstore.DownloadURLArgs) (string, error) {
	return "", b.err
}

func (b *brokenStore) SendPut(ctx context.Context, put *objstore.Put) (*objstore.ObjectMeta, error) {
	return nil, b.err
}

func (b *brokenStore) SendCopy(ctx context.Context, copy *objstore.Copy) (*objstore.ObjectMeta, error) {
	return nil, b.err
}

func (b *brokenStore) Delete(ctx context.Context, key string) error { return b.err }

func (b *brokenStore) DeletePrefix(ctx context.Context, prefix string) error { return b.err }

func (b *brokenStore) List(ctx context.Context, args objstore.ListArgs) (*objstore.Page, error) {
	return nil, b.err
}

func (b *brokenStore) ListKeys(ctx context.Context, args objstore.ListArgs) (*objstore.KeyPage, error) {
	return nil, b.err
}

var _ objstore.Store = (*brokenStore)(nil)

func TestConformance(t *testing.T) {
	store, err := New([]objstore.Store{memory.New(), memory.New()}, nil)
	require.NoError(t, err)
	storetest.Run(t, store)
}

func TestWritesReplicate(t *testing.T) {
	ctx := context.Background()
	primary := memory.New()
	secondary := memory.New()
	store, err := New([]objstore.Store{primary, secondary}, nil)
	require.NoError(t, err)

	_, err = store.SendPut(ctx, objstore.NewPut("k", objstore.BytesSource([]byte("v"))))
	require.NoError(t, err)

	for _, backend := range []objstore.Store{primary, secondary} {
		data, err := backend.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), data)
	}
}

func TestReadFallsThroughBrokenBackend(t *testing.T) {
	ctx := context.Background()
	healthy := memory.New()
	_, err := healthy.SendPut(ctx, objstore.NewPut("k", objstore.BytesSource([]byte("v"))))
	require.NoError(t, err)

	broken := &brokenStore{err: errors.New("connection refused")}
	store, err := New([]objstore.Store{broken, healthy}, nil)
	require.NoError(t, err)

	data, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}

func TestAbsenceIsDefinitive(t *testing.T) {
	ctx := context.Background()
	broken := &brokenStore{err: errors.New("connection refused")}
	store, err := New([]objstore.Store{broken, memory.New()}, nil)
	require.NoError(t, err)

	data, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestReadFailsWhenAllBackendsError(t *testing.T) {
	ctx := context.Background()
	store, err := New([]objstore.Store{
		&brokenStore{err: errors.New("down")},
		&brokenStore{err: errors.New("also down")},
	}, nil)
	require.NoError(t, err)

	_, err = store.Get(ctx, "k")
	assert.Error(t, err)
}

func TestWriteSucceedsOnPartialFailure(t *testing.T) {
	ctx := context.Background()
	healthy := memory.New()
	store, err := New([]objstore.Store{
		&brokenStore{err: errors.New("down")},
		healthy,
	}, nil)
	require.NoError(t, err)

	meta, err := store.SendPut(ctx, objstore.NewPut("k", objstore.BytesSource([]byte("v"))))
	require.NoError(t, err)
	require.NotNil(t, meta)

	data, err := healthy.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}

func TestDeleteFailsWhenAnyBackendErrors(t *testing.T) {
	ctx := context.Background()
	store, err := New([]objstore.Store{
		memory.New(),
		&brokenStore{err: errors.New("down")},
	}, nil)
	require.NoError(t, err)

	assert.Error(t, store.Delete(ctx, "k"))
}

func TestConditionalCreateAcrossBackends(t *testing.T) {
	ctx := context.Background()
	store, err := New([]objstore.Store{memory.New(), memory.New()}, nil)
	require.NoError(t, err)

	put := objstore.NewPut("k", objstore.BytesSource([]byte("v1")))
	put.Conditions = objstore.IfNotExists()
	_, err = store.SendPut(ctx, put)
	require.NoError(t, err)

	put = objstore.NewPut("k", objstore.BytesSource([]byte("v2")))
	put.Conditions = objstore.IfNotExists()
	_, err = store.SendPut(ctx, put)
	assert.True(t, objstore.IsPreconditionFailed(err))
}

func TestHealthcheckAnyBackend(t *testing.T) {
	ctx := context.Background()

	store, err := New([]objstore.Store{
		&brokenStore{err: errors.New("down")},
		memory.New(),
	}, nil)
	require.NoError(t, err)
	assert.NoError(t, store.Healthcheck(ctx))

	store, err = New([]objstore.Store{&brokenStore{err: errors.New("down")}}, nil)
	require.NoError(t, err)
	assert.Error(t, store.Healthcheck(ctx))
}

func TestSafeURICombinesBackends(t *testing.T) {
	store, err := New([]objstore.Store{memory.New(), memory.New()}, nil)
	require.NoError(t, err)
	assert.Equal(t, "multi:[memory://,memory://]", store.SafeURI())
}

func TestRequiresBackends(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}
