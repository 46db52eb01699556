// Package outbound manages downstream consumers subscribed to this hub and
// fans changed records out to them, filtered per subscriber.
package outbound

import (
	"slices"
	"time"

	"github.com/sirihub/sirihub/pkg/siri"
)

const (
	// Heartbeat intervals requested outside these bounds are clamped, not
	// rejected
	minHeartbeatInterval = 10 * time.Second
	maxHeartbeatInterval = 5 * time.Minute
)

// FilterKind names the record reference a filter entry matches against
type FilterKind string

const (
	FilterLineRef    FilterKind = "LineRef"
	FilterVehicleRef FilterKind = "VehicleRef"
)

// Filter restricts which records a subscriber receives. A missing kind
// accepts everything of that kind; a present kind with an empty accepted set
// rejects everything of that kind
type Filter map[FilterKind][]string

func (f Filter) accepts(kind FilterKind, value string) bool {
	accepted, present := f[kind]
	if !present {
		return true
	}
	return slices.Contains(accepted, value)
}

func (f Filter) acceptsAny(kind FilterKind, values []string) bool {
	accepted, present := f[kind]
	if !present {
		return true
	}
	for _, value := range values {
		if slices.Contains(accepted, value) {
			return true
		}
	}
	return false
}

// Subscription is one downstream consumer receiving pushed deliveries
type Subscription struct {
	SubscriptionID         string        `json:"subscription_id"`
	RequestorRef           string        `json:"requestor_ref"`
	Address                string        `json:"address"`
	SubscriptionType       siri.FeedType `json:"subscription_type"`
	Filter                 Filter        `json:"filter,omitempty"`
	HeartbeatInterval      time.Duration `json:"heartbeat_interval"`
	InitialTerminationTime time.Time     `json:"initial_termination_time"`
	DatasetID              string        `json:"dataset_id,omitempty"`
	RequestedAt            time.Time     `json:"requested_at"`
}

func (s *Subscription) expired(now time.Time) bool {
	return now.After(s.InitialTerminationTime)
}

// wants reports whether a delivery for this feed type and dataset concerns
// this subscriber. An unscoped subscription takes every dataset
func (s *Subscription) wants(feedType siri.FeedType, datasetID string) bool {
	if s.SubscriptionType != feedType {
		return false
	}
	return s.DatasetID == "" || s.DatasetID == datasetID
}

// SubscribeRequest is an incoming subscription request before validation
type SubscribeRequest struct {
	SubscriptionID         string        `json:"subscription_id"`
	RequestorRef           string        `json:"requestor_ref"`
	ConsumerAddress        string        `json:"consumer_address,omitempty"`
	Address                string        `json:"address,omitempty"`
	SubscriptionType       siri.FeedType `json:"subscription_type"`
	Filter                 Filter        `json:"filter,omitempty"`
	HeartbeatInterval      time.Duration `json:"heartbeat_interval"`
	InitialTerminationTime time.Time     `json:"initial_termination_time"`
	DatasetID              string        `json:"dataset_id,omitempty"`
}

// resolveAddress picks the push address, preferring ConsumerAddress
func (r *SubscribeRequest) resolveAddress() string {
	if r.ConsumerAddress != "" {
		return r.ConsumerAddress
	}
	return r.Address
}

// SubscribeOutcome is the ack returned to the requestor
type SubscribeOutcome struct {
	Accepted          bool          `json:"accepted"`
	Reason            string        `json:"reason,omitempty"`
	SubscriptionID    string        `json:"subscription_id"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval,omitempty"`
	ResponseTimestamp time.Time     `json:"response_timestamp"`
}

func clampHeartbeatInterval(interval time.Duration) time.Duration {
	if interval < minHeartbeatInterval {
		return minHeartbeatInterval
	}
	if interval > maxHeartbeatInterval {
		return maxHeartbeatInterval
	}
	return interval
}
