// Package datastore holds the current, deduplicated, TTL-bounded snapshot of
// every feed type. One store per feed type, all sharing the same
// repository core. Stores are last-writer-wins by recency marker, not by
// arrival order, and never return expired records.
package datastore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sirihub/sirihub/pkg/metrics"
	"github.com/sirihub/sirihub/pkg/sharedstate"
	"github.com/sirihub/sirihub/pkg/siri"
)

// ChangeResult reports what a store did with a record handed to it
type ChangeResult string

const (
	ResultAdded   ChangeResult = "added"
	ResultUpdated ChangeResult = "updated"
	// ResultRejected - the record failed a feed-specific admission rule
	ResultRejected ChangeResult = "rejected"
	// ResultIgnoredStale - the stored value is at least as recent, or the
	// record had already expired on arrival
	ResultIgnoredStale ChangeResult = "ignored-stale"
)

// How long a polling requestor's delta cursor survives between polls
const defaultTrackingPeriod = 10 * time.Minute

type repository[T siri.Record] struct {
	feedType siri.FeedType

	// Guards the compare-then-write sequence in addOne so that concurrent
	// adds for the same key cannot let an older value overwrite a newer one
	mutex sync.Mutex

	entries *sharedstate.Typed[T]

	// One list-valued entry per polling requestor holding the dedup keys
	// changed since their last poll. Writers append atomically, the poll
	// drains atomically, so concurrent adds never lose changes
	changes sharedstate.Map

	// One TTL entry per requestor still polling; doubles as the cursor
	// registry
	tracking sharedstate.Map

	trackingPeriod time.Duration
	now            func() time.Time
}

func newRepository[T siri.Record](feedType siri.FeedType, maps sharedstate.Factory) *repository[T] {
	name := string(feedType)

	return &repository[T]{
		feedType:       feedType,
		entries:        sharedstate.NewTyped[T](maps("store:" + name)),
		changes:        maps("changes:" + name),
		tracking:       maps("tracking:" + name),
		trackingPeriod: defaultTrackingPeriod,
		now:            time.Now,
	}
}

// addOne stores a record unless a newer value is already present. Returns
// the dedup key so callers can batch change tracking
func (r *repository[T]) addOne(ctx context.Context, datasetID string, record T) (ChangeResult, string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := r.now()
	if !siri.IsValid(record, now) {
		return ResultIgnoredStale, "", nil
	}

	key := record.Key(datasetID)

	existing, found, err := r.entries.Get(ctx, key)
	if err != nil {
		return "", "", err
	}

	if found && !record.RecordedAt().After(existing.RecordedAt()) {
		return ResultIgnoredStale, "", nil
	}

	if expiry, hasExpiry := record.ExpiresAt(); hasExpiry {
		err = r.entries.SetWithTTL(ctx, key, record, expiry.Sub(now))
	} else {
		err = r.entries.Set(ctx, key, record)
	}
	if err != nil {
		return "", "", err
	}

	if found {
		return ResultUpdated, key, nil
	}
	return ResultAdded, key, nil
}

// recordChanges appends the changed keys to every tracked requestor's delta
// cursor. The append is atomic on the shared map, so concurrent adders
// cannot overwrite each other's changes. Cursors whose requestor stopped
// polling (tracking entry expired) are dropped instead
func (r *repository[T]) recordChanges(ctx context.Context, changedKeys []string) error {
	if len(changedKeys) == 0 {
		return nil
	}

	requestors, err := r.tracking.Keys(ctx, "")
	if err != nil {
		return err
	}

	polling := map[string]bool{}
	for _, requestor := range requestors {
		polling[requestor] = true
		if err := r.changes.Append(ctx, requestor, changedKeys...); err != nil {
			return err
		}
	}

	cursors, err := r.changes.Keys(ctx, "")
	if err != nil {
		return err
	}
	for _, requestor := range cursors {
		if polling[requestor] {
			continue
		}
		if err := r.changes.Delete(ctx, requestor); err != nil {
			return err
		}
	}

	return nil
}

func (r *repository[T]) countResult(datasetID string, result ChangeResult) {
	metrics.StoreRecords.WithLabelValues(string(r.feedType), datasetID, string(result)).Inc()
}

// GetAll evicts expired entries, then returns all remaining values.
// Order is not guaranteed
func (r *repository[T]) GetAll(ctx context.Context) ([]T, error) {
	return r.GetAllForDataset(ctx, "")
}

// GetAllForDataset is GetAll scoped to one dataset
func (r *repository[T]) GetAllForDataset(ctx context.Context, datasetID string) ([]T, error) {
	if _, err := r.SweepExpired(ctx); err != nil {
		return nil, err
	}

	prefix := ""
	if datasetID != "" {
		prefix = datasetID + ":"
	}

	keys, err := r.entries.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	return r.fetch(ctx, keys)
}

// GetAllUpdates returns only entries added or updated since the requestor's
// last poll. An unknown requestor gets the full snapshot and a registered
// cursor; polling again without intervening writes returns nothing
func (r *repository[T]) GetAllUpdates(ctx context.Context, requestorID string, datasetID string) ([]T, error) {
	if requestorID == "" {
		return r.GetAllForDataset(ctx, datasetID)
	}

	_, known, err := r.tracking.Get(ctx, requestorID)
	if err != nil {
		return nil, err
	}

	if err := r.tracking.SetWithTTL(ctx, requestorID, []byte("1"), r.trackingPeriod); err != nil {
		return nil, err
	}

	if !known {
		// Anything still pending predates this registration and is covered
		// by the snapshot
		if err := r.changes.Delete(ctx, requestorID); err != nil {
			return nil, err
		}
		log.Debug().Str("requestor", requestorID).Str("feed_type", string(r.feedType)).Msg("New delta requestor, returning full snapshot")
		return r.GetAllForDataset(ctx, datasetID)
	}

	pending, err := r.changes.Drain(ctx, requestorID)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var requested []string
	var remaining []string
	for _, key := range pending {
		if seen[key] {
			continue
		}
		seen[key] = true
		if datasetID == "" || siri.DatasetFromKey(key) == datasetID {
			requested = append(requested, key)
		} else {
			remaining = append(remaining, key)
		}
	}

	if len(remaining) > 0 {
		if err := r.changes.Append(ctx, requestorID, remaining...); err != nil {
			return nil, err
		}
	}

	return r.fetch(ctx, requested)
}

// fetch loads entries by key, skipping keys that vanished or expired since
// they were collected
func (r *repository[T]) fetch(ctx context.Context, keys []string) ([]T, error) {
	now := r.now()

	var values []T
	for _, key := range keys {
		value, found, err := r.entries.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found && siri.IsValid(value, now) {
			values = append(values, value)
		}
	}
	return values, nil
}

// SweepExpired removes entries whose validity predicate no longer holds.
// Runs in two passes - collect first, then delete with a re-check - so it is
// safe to interleave with concurrent inserts
func (r *repository[T]) SweepExpired(ctx context.Context) (int, error) {
	keys, err := r.entries.Keys(ctx, "")
	if err != nil {
		return 0, err
	}

	now := r.now()
	var expired []string
	for _, key := range keys {
		value, found, err := r.entries.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		if found && !siri.IsValid(value, now) {
			expired = append(expired, key)
		}
	}

	removed := 0
	for _, key := range expired {
		value, found, err := r.entries.Get(ctx, key)
		if err != nil {
			return removed, err
		}
		if found && siri.IsValid(value, r.now()) {
			// Replaced with a valid value since the first pass
			continue
		}
		if err := r.entries.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		metrics.StoreExpired.WithLabelValues(string(r.feedType)).Add(float64(removed))
		log.Debug().Int("removed", removed).Str("feed_type", string(r.feedType)).Msg("Evicted expired records")
	}

	if size, err := r.entries.Len(ctx); err == nil {
		metrics.StoreSize.WithLabelValues(string(r.feedType)).Set(float64(size))
	}

	return removed, nil
}

func (r *repository[T]) Size(ctx context.Context) (int, error) {
	return r.entries.Len(ctx)
}

func (r *repository[T]) SizeByDataset(ctx context.Context) (map[string]int, error) {
	keys, err := r.entries.Keys(ctx, "")
	if err != nil {
		return nil, err
	}

	sizes := map[string]int{}
	for _, key := range keys {
		sizes[siri.DatasetFromKey(key)]++
	}
	return sizes, nil
}

// Clear removes all data for one dataset
func (r *repository[T]) Clear(ctx context.Context, datasetID string) error {
	keys, err := r.entries.Keys(ctx, datasetID+":")
	if err != nil {
		return err
	}

	log.Warn().Int("records", len(keys)).Str("dataset", datasetID).Str("feed_type", string(r.feedType)).Msg("Removing all data for dataset")

	for _, key := range keys {
		if err := r.entries.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (r *repository[T]) ClearAll(ctx context.Context) error {
	log.Warn().Str("feed_type", string(r.feedType)).Msg("Deleting all data - should only be used in test")
	return r.entries.Clear(ctx)
}

func (r *repository[T]) FeedType() siri.FeedType {
	return r.feedType
}
