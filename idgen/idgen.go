// Package idgen provides the ID strategies used by tagflow for values that
// are not database sequences: request IDs, outbox job IDs and audit entries.
//
// Batches and rows keep integer sequence IDs because claim order and artifact
// names depend on them.
package idgen

import "github.com/google/uuid"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs. They sort by
// creation time, which keeps outbox and audit tables roughly append-ordered.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID produced by gen ("req_", "job_", "aud_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()
