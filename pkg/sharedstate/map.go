// Package sharedstate provides the keyed collections that back the data
// stores and subscription registries. In production every collection lives
// in Redis so that all hub instances see the same state; tests and
// single-node deployments use the in-memory implementation instead.
package sharedstate

import (
	"context"
	"time"
)

// Factory builds the named shared collections a component needs. Production
// wiring hands out Redis-backed maps, tests hand out memory maps
type Factory func(collection string) Map

// MemoryFactory returns a Factory producing an independent in-memory map
// per collection
func MemoryFactory() Factory {
	return func(collection string) Map {
		return NewMemoryMap()
	}
}

// Map is a narrow view of a cluster-visible keyed collection with optional
// per-entry TTL. Deleting a key that is already gone is not an error
type Map interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error

	// Append and Drain operate on list-valued keys. Append atomically adds
	// members to the list at key, creating it if absent; Drain atomically
	// returns and removes the whole list. Concurrent Appends never lose
	// members. List keys are not readable through Get
	Append(ctx context.Context, key string, members ...string) error
	Drain(ctx context.Context, key string) ([]string, error)
}
