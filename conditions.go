package objstore

import (
	"strings"
	"time"
)

// MatchValue is the value of an If-Match / If-None-Match precondition:
// either "any object" or a non-empty list of etags.
type MatchValue struct {
	// Any matches any existing object ("*").
	Any bool
	// Tags is the list of etags to match. Ignored when Any is set.
	Tags []string
}

// MatchAny matches any existing object.
func MatchAny() *MatchValue {
	return &MatchValue{Any: true}
}

// MatchTags matches the given etags. Blank tags are dropped; a "*" tag
// or an empty remainder promotes the value to Any.
func MatchTags(tags ...string) *MatchValue {
	clean := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "*" {
			return MatchAny()
		}
		if strings.TrimSpace(tag) == "" {
			continue
		}
		clean = append(clean, tag)
	}
	if len(clean) == 0 {
		return MatchAny()
	}
	return &MatchValue{Tags: clean}
}

// Matches reports whether the given etag satisfies the value.
func (m *MatchValue) Matches(etag string) bool {
	if m.Any {
		return true
	}
	for _, tag := range m.Tags {
		if tag == etag {
			return true
		}
	}
	return false
}

// Conditions is a backend-agnostic optimistic-concurrency precondition
// set for writes.
//
// IfMatch: proceed only if the object currently exists (Any) or its
// etag is among Tags. IfNoneMatch: proceed only if the object is absent
// (Any) or its etag is not among Tags. The timestamp preconditions
// bound the write by the object's last-modified time.
//
// HTTP-protocol backends translate conditions to server-evaluated
// atomic conditional headers. Backends without native conditional
// semantics (GitHub) enforce them with a client-side read-check-write,
// which is racy under concurrent writers to the same key.
type Conditions struct {
	IfMatch     *MatchValue
	IfNoneMatch *MatchValue

	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time
}

// IsZero reports whether no precondition is set.
func (c *Conditions) IsZero() bool {
	return c.IfMatch == nil && c.IfNoneMatch == nil &&
		c.IfModifiedSince.IsZero() && c.IfUnmodifiedSince.IsZero()
}

// IfNotExists returns conditions that only allow creating a new object.
func IfNotExists() Conditions {
	return Conditions{IfNoneMatch: MatchAny()}
}

// IfMatchTags returns conditions that only allow replacing an object
// whose etag is among the given tags.
func IfMatchTags(tags ...string) Conditions {
	return Conditions{IfMatch: MatchTags(tags...)}
}

// Sanitize normalizes the conditions in place. It is idempotent.
//
// Blank tags are removed, a "*" tag promotes the value to Any, and
// values left without tags are cleared. If both preconditions would
// resolve to Any, IfMatch wins and IfNoneMatch is cleared.
func (c *Conditions) Sanitize() {
	ifMatch, matchAny := sanitizeMatch(c.IfMatch)
	if matchAny {
		ifMatch = &MatchValue{Any: true}
	}
	c.IfMatch = ifMatch

	ifNoneMatch, noneAny := sanitizeMatch(c.IfNoneMatch)
	if noneAny {
		// A "*" in IfNoneMatch collapses to IfMatch=Any with
		// IfNoneMatch cleared; kept for compatibility with existing
		// callers.
		c.IfMatch = &MatchValue{Any: true}
		ifNoneMatch = nil
	}
	c.IfNoneMatch = ifNoneMatch
}

// sanitizeMatch drops blank tags and reports whether a "*" tag was
// present. A value left without tags is cleared.
func sanitizeMatch(m *MatchValue) (*MatchValue, bool) {
	if m == nil || m.Any {
		return m, false
	}
	clean := make([]string, 0, len(m.Tags))
	hasAny := false
	for _, tag := range m.Tags {
		if tag == "*" {
			hasAny = true
			continue
		}
		if strings.TrimSpace(tag) == "" {
			continue
		}
		clean = append(clean, tag)
	}
	if hasAny {
		return nil, true
	}
	if len(clean) == 0 {
		return nil, false
	}
	return &MatchValue{Tags: clean}, false
}
