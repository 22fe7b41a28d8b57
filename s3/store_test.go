package s3

import (
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theduke/objstore"
	"github.com/theduke/objstore/storetest"
)

func TestConditionHeaders(t *testing.T) {
	tests := []struct {
		name       string
		conditions objstore.Conditions
		want       map[string]string
	}{
		{
			name:       "empty",
			conditions: objstore.Conditions{},
			want:       map[string]string{},
		},
		{
			name:       "if match any",
			conditions: objstore.Conditions{IfMatch: objstore.MatchAny()},
			want:       map[string]string{"If-Match": "*"},
		},
		{
			name:       "if match tags are quoted and joined",
			conditions: objstore.Conditions{IfMatch: objstore.MatchTags("abc", "def")},
			want:       map[string]string{"If-Match": `"abc", "def"`},
		},
		{
			name:       "pre-quoted tag kept as is",
			conditions: objstore.Conditions{IfMatch: objstore.MatchTags(`"abc"`)},
			want:       map[string]string{"If-Match": `"abc"`},
		},
		{
			name:       "if none match any",
			conditions: objstore.Conditions{IfNoneMatch: objstore.MatchAny()},
			want:       map[string]string{"If-None-Match": "*"},
		},
		{
			name: "timestamps use http date format",
			conditions: objstore.Conditions{
				IfUnmodifiedSince: time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
			},
			want: map[string]string{"If-Unmodified-Since": "Fri, 01 Mar 2024 12:30:00 GMT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := conditionHeaders(&tt.conditions)
			assert.Len(t, headers, len(tt.want))
			for name, value := range tt.want {
				assert.Equal(t, value, headers.Get(name))
			}
		})
	}
}

func TestKeyPrefixRoundtrip(t *testing.T) {
	store := &Store{config: &Config{Bucket: "b", Prefix: "data/objects"}}

	built := store.buildKey("a/b.txt")
	assert.Equal(t, "data/objects/a/b.txt", built)
	assert.Equal(t, "a/b.txt", store.pruneKey(built))

	noPrefix := &Store{config: &Config{Bucket: "b"}}
	assert.Equal(t, "a/b.txt", noPrefix.buildKey("a/b.txt"))
	assert.Equal(t, "a/b.txt", noPrefix.pruneKey("a/b.txt"))
}

func TestListInput(t *testing.T) {
	store := &Store{config: &Config{Bucket: "b", Prefix: "root"}}

	input := store.listInput(objstore.ListArgs{
		Prefix:    "a/",
		Limit:     25,
		Cursor:    "token123",
		Delimiter: "/",
	})
	assert.Equal(t, "b", *input.Bucket)
	assert.Equal(t, "root/a/", *input.Prefix)
	assert.Equal(t, int64(25), *input.MaxKeys)
	assert.Equal(t, "token123", *input.ContinuationToken)
	assert.Equal(t, "/", *input.Delimiter)
	assert.Equal(t, "url", *input.EncodingType)

	// With a store prefix but no caller prefix, the listing still
	// stays inside the configured namespace.
	input = store.listInput(objstore.ListArgs{})
	assert.Equal(t, "root/", *input.Prefix)

	bare := &Store{config: &Config{Bucket: "b"}}
	input = bare.listInput(objstore.ListArgs{})
	assert.Nil(t, input.Prefix)
}

func TestDecodeListKey(t *testing.T) {
	encoded := "a%2Fb%20c.txt"
	key, err := decodeListKey(&encoded)
	require.NoError(t, err)
	assert.Equal(t, "a/b c.txt", key)

	key, err = decodeListKey(nil)
	require.NoError(t, err)
	assert.Equal(t, "", key)
}

// TestConformance exercises the full store contract against a real
// S3-compatible endpoint. Set S3_TEST_URI to enable, e.g.
//
//	S3_TEST_URI='s3://minioadmin:minioadmin@localhost:9000/test?style=path&insecure=true'
func TestConformance(t *testing.T) {
	rawURI := os.Getenv("S3_TEST_URI")
	if rawURI == "" {
		t.Skip("S3_TEST_URI not set")
	}

	u, err := url.Parse(rawURI)
	require.NoError(t, err)
	cfg, err := ParseURI(u)
	require.NoError(t, err)

	store, err := New(cfg, nil)
	require.NoError(t, err)
	storetest.Run(t, store)
}
