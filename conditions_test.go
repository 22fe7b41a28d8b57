package objstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionsSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   Conditions
		want Conditions
	}{
		{
			name: "empty",
			in:   Conditions{},
			want: Conditions{},
		},
		{
			name: "blank tags removed",
			in:   Conditions{IfMatch: &MatchValue{Tags: []string{"a", "  ", "", "b"}}},
			want: Conditions{IfMatch: &MatchValue{Tags: []string{"a", "b"}}},
		},
		{
			name: "only blank tags clears the value",
			in:   Conditions{IfMatch: &MatchValue{Tags: []string{" ", ""}}},
			want: Conditions{},
		},
		{
			name: "star promotes if-match to any",
			in:   Conditions{IfMatch: &MatchValue{Tags: []string{"a", "*"}}},
			want: Conditions{IfMatch: &MatchValue{Any: true}},
		},
		{
			name: "star in if-none-match collapses to if-match any",
			in:   Conditions{IfNoneMatch: &MatchValue{Tags: []string{"*"}}},
			want: Conditions{IfMatch: &MatchValue{Any: true}},
		},
		{
			name: "if-match wins when both resolve to any",
			in: Conditions{
				IfMatch:     &MatchValue{Tags: []string{"*"}},
				IfNoneMatch: &MatchValue{Tags: []string{"*", " "}},
			},
			want: Conditions{IfMatch: &MatchValue{Any: true}},
		},
		{
			name: "plain tags survive",
			in: Conditions{
				IfMatch:     &MatchValue{Tags: []string{"e1"}},
				IfNoneMatch: &MatchValue{Tags: []string{"e2"}},
			},
			want: Conditions{
				IfMatch:     &MatchValue{Tags: []string{"e1"}},
				IfNoneMatch: &MatchValue{Tags: []string{"e2"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in
			got.Sanitize()
			assert.Equal(t, tt.want, got)

			// Sanitize is idempotent.
			again := got
			again.Sanitize()
			assert.Equal(t, got, again)
		})
	}
}

func TestMatchTags(t *testing.T) {
	m := MatchTags("a", "", "b")
	require.NotNil(t, m)
	assert.False(t, m.Any)
	assert.Equal(t, []string{"a", "b"}, m.Tags)

	assert.True(t, MatchTags("*").Any)
	assert.True(t, MatchTags().Any)

	assert.True(t, m.Matches("a"))
	assert.False(t, m.Matches("c"))
	assert.True(t, MatchAny().Matches("anything"))
}

func TestIfNotExists(t *testing.T) {
	c := IfNotExists()
	require.NotNil(t, c.IfNoneMatch)
	assert.True(t, c.IfNoneMatch.Any)
	assert.False(t, c.IsZero())
	assert.True(t, (&Conditions{}).IsZero())
}
