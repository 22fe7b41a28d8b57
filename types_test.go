package objstore_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theduke/objstore"
)

func TestDataSourceBuffered(t *testing.T) {
	src := objstore.BytesSource([]byte("payload"))
	assert.False(t, src.IsStream())

	data, ok := src.Bytes()
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)

	all, err := src.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), all)
}

func TestDataSourceNilBytesIsEmpty(t *testing.T) {
	src := objstore.BytesSource(nil)
	data, ok := src.Bytes()
	require.True(t, ok)
	assert.NotNil(t, data)
	assert.Empty(t, data)
}

func TestDataSourceStream(t *testing.T) {
	src := objstore.ReaderSource(strings.NewReader("payload"))
	assert.True(t, src.IsStream())

	// A stream has no buffered bytes to hand out.
	data, ok := src.Bytes()
	assert.False(t, ok)
	assert.Nil(t, data)

	all, err := src.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), all)
}
