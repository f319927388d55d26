// Package idgen provides pluggable ID generation. Constructors across the
// repo accept a Generator so the ID strategy is a startup-time decision.
package idgen

import (
	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings:
// time-sortable and globally unique, which keeps event and pass IDs
// naturally ordered in the stores.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed prefix to every ID from gen. Used for
// type-scoped identifiers ("evt_", "pass_", "doc_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the repo-wide default strategy.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}
