// Package ident provides the process-unique identifier source used for
// job, permit, and request ids.
//
// Ids are UUIDv4 strings. Uniqueness within the lifetime of a Scheduler is
// guaranteed by the generator; callers treat ids as opaque.
package ident

import "github.com/google/uuid"

// New returns a fresh opaque identifier.
func New() string {
	return uuid.NewString()
}

// NewPrefixed returns an identifier with a short type prefix, e.g.
// "permit-5e3c...". Prefixes aid log readability only; no component parses
// them back out.
func NewPrefixed(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
