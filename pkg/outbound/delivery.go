package outbound

import (
	"time"

	"github.com/jinzhu/copier"
	"github.com/sirihub/sirihub/pkg/siri"
)

// Delivery is the payload pushed to a subscriber. Exactly one of the record
// slices is populated, matching FeedType
type Delivery struct {
	ProducerRef       string        `json:"producer_ref"`
	SubscriptionID    string        `json:"subscription_id"`
	ResponseTimestamp time.Time     `json:"response_timestamp"`
	FeedType          siri.FeedType `json:"feed_type"`

	Situations               []*siri.Situation               `json:"situations,omitempty"`
	VehicleActivities        []*siri.VehicleActivity         `json:"vehicle_activities,omitempty"`
	EstimatedVehicleJourneys []*siri.EstimatedVehicleJourney `json:"estimated_vehicle_journeys,omitempty"`
	ProductionTimetables     []*siri.ProductionTimetable     `json:"production_timetables,omitempty"`
}

func (d *Delivery) empty() bool {
	return len(d.Situations) == 0 &&
		len(d.VehicleActivities) == 0 &&
		len(d.EstimatedVehicleJourneys) == 0 &&
		len(d.ProductionTimetables) == 0
}

// Heartbeat tells a quiet subscriber the service is still alive
type Heartbeat struct {
	ProducerRef        string    `json:"producer_ref"`
	SubscriptionID     string    `json:"subscription_id"`
	Status             bool      `json:"status"`
	ServiceStartedTime time.Time `json:"service_started_time"`
	RequestTimestamp   time.Time `json:"request_timestamp"`
}

// TerminationConfirmation acknowledges a consumer-requested unsubscribe
type TerminationConfirmation struct {
	SubscriptionID    string    `json:"subscription_id"`
	RequestorRef      string    `json:"requestor_ref"`
	Status            bool      `json:"status"`
	ResponseTimestamp time.Time `json:"response_timestamp"`
}

// StatusResponse answers a consumer's liveness probe
type StatusResponse struct {
	RequestorRef       string    `json:"requestor_ref"`
	Status             bool      `json:"status"`
	ServiceStartedTime time.Time `json:"service_started_time"`
	ResponseTimestamp  time.Time `json:"response_timestamp"`
}

// filterForSubscriber deep-copies the delivery and keeps only the records
// the subscriber's filter accepts. The copy keeps concurrent per-subscriber
// pushes from sharing record pointers
func filterForSubscriber(delivery *Delivery, subscription *Subscription) (*Delivery, error) {
	filtered := &Delivery{}
	if err := copier.CopyWithOption(filtered, delivery, copier.Option{DeepCopy: true}); err != nil {
		return nil, err
	}
	filtered.SubscriptionID = subscription.SubscriptionID

	filter := subscription.Filter

	switch delivery.FeedType {
	case siri.VehicleMonitoringFeed:
		var kept []*siri.VehicleActivity
		for _, activity := range filtered.VehicleActivities {
			if filter.accepts(FilterLineRef, activity.LineRef) &&
				filter.accepts(FilterVehicleRef, activity.VehicleRef) {
				kept = append(kept, activity)
			}
		}
		filtered.VehicleActivities = kept

	case siri.EstimatedTimetableFeed:
		var kept []*siri.EstimatedVehicleJourney
		for _, journey := range filtered.EstimatedVehicleJourneys {
			if filter.accepts(FilterLineRef, journey.LineRef) &&
				filter.accepts(FilterVehicleRef, journey.VehicleRef) {
				kept = append(kept, journey)
			}
		}
		filtered.EstimatedVehicleJourneys = kept

	case siri.SituationExchangeFeed:
		// A situation touches many lines, one accepted line is enough
		var kept []*siri.Situation
		for _, situation := range filtered.Situations {
			if filter.acceptsAny(FilterLineRef, situation.LineRefs()) {
				kept = append(kept, situation)
			}
		}
		filtered.Situations = kept
	}

	return filtered, nil
}
