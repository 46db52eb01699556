package sharedstate

import (
	"context"
	"encoding/json"
	"time"
)

// Typed wraps a Map with JSON encoding for a single value type
type Typed[T any] struct {
	backing Map
}

func NewTyped[T any](backing Map) *Typed[T] {
	return &Typed[T]{backing: backing}
}

func (t *Typed[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var value T

	raw, found, err := t.backing.Get(ctx, key)
	if err != nil || !found {
		return value, false, err
	}

	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, err
	}
	return value, true, nil
}

func (t *Typed[T]) Set(ctx context.Context, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return t.backing.Set(ctx, key, raw)
}

func (t *Typed[T]) SetWithTTL(ctx context.Context, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return t.backing.SetWithTTL(ctx, key, raw, ttl)
}

func (t *Typed[T]) Delete(ctx context.Context, key string) error {
	return t.backing.Delete(ctx, key)
}

func (t *Typed[T]) Keys(ctx context.Context, prefix string) ([]string, error) {
	return t.backing.Keys(ctx, prefix)
}

func (t *Typed[T]) Len(ctx context.Context) (int, error) {
	return t.backing.Len(ctx)
}

func (t *Typed[T]) Clear(ctx context.Context) error {
	return t.backing.Clear(ctx)
}
