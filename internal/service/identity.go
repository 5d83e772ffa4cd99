package service

import (
	"strings"
)

const (
	VisibilityPrivate = "private"
	VisibilityShared  = "shared"

	ScopeDomain = "domain"
	ScopeCustom = "custom"

	GrantUser   = "user"
	GrantDomain = "domain"
)

// NoDomain is the bucket for principals without an @ in their name. It is
// also the settings key for that bucket.
const NoDomain = "__nodomain__"

// DomainOf derives a principal's domain: the part after the last @,
// lowercased, or NoDomain for bare usernames.
func DomainOf(username string) string {
	at := strings.LastIndex(username, "@")
	if at < 0 || at == len(username)-1 {
		return NoDomain
	}
	return strings.ToLower(username[at+1:])
}

// NormalizeDomain canonicalizes a domain key: trimmed, lowercased, leading
// @ stripped. Empty input falls into the NoDomain bucket.
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimPrefix(d, "@")
	if d == "" || d == NoDomain {
		return NoDomain
	}
	return d
}

// NormalizePrincipal lowercases and trims a username target.
func NormalizePrincipal(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

const tagSeparator = ","

// TagSet is an ordered set of tag strings. Serialization to the single
// tags column happens only at the persistence boundary.
type TagSet struct {
	items []string
}

// NewTagSet builds a set preserving first-seen order. Tags are trimmed and
// the separator is stripped so the serialized form stays parseable.
func NewTagSet(tags ...string) TagSet {
	set := TagSet{}
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(strings.ReplaceAll(t, tagSeparator, " "))
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		set.items = append(set.items, t)
	}
	return set
}

// ParseTags reads the serialized column form back into a set.
func ParseTags(serialized string) TagSet {
	if serialized == "" {
		return TagSet{}
	}
	return NewTagSet(strings.Split(serialized, tagSeparator)...)
}

func (s TagSet) Items() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

func (s TagSet) Contains(tag string) bool {
	want := strings.ToLower(strings.TrimSpace(tag))
	for _, t := range s.items {
		if strings.ToLower(t) == want {
			return true
		}
	}
	return false
}

func (s TagSet) Empty() bool {
	return len(s.items) == 0
}

// Serialize renders the column form.
func (s TagSet) Serialize() string {
	return strings.Join(s.items, tagSeparator)
}
