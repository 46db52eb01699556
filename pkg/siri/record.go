package siri

import "time"

type FeedType string

const (
	SituationExchangeFeed   FeedType = "situation-exchange"
	VehicleMonitoringFeed   FeedType = "vehicle-monitoring"
	EstimatedTimetableFeed  FeedType = "estimated-timetable"
	ProductionTimetableFeed FeedType = "production-timetable"
)

// Record is implemented by every feed-type payload held in a datastore.
type Record interface {
	// Key returns the dedup key for this record within the given dataset.
	// Dataset scoping is encoded as a key prefix ("<datasetId>:<identity>")
	Key(datasetID string) string

	// RecordedAt is the recency marker deciding whether an incoming update
	// supersedes the stored value
	RecordedAt() time.Time

	// ExpiresAt returns the point in time this record stops being valid.
	// hasExpiry false means the record never expires
	ExpiresAt() (expiry time.Time, hasExpiry bool)
}

// IsValid reports whether a record is still valid at the given time
func IsValid(record Record, now time.Time) bool {
	expiry, hasExpiry := record.ExpiresAt()
	if !hasExpiry {
		return true
	}

	return now.Before(expiry)
}

// DatasetFromKey extracts the dataset prefix from a dedup key
func DatasetFromKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
