package siri

import (
	"fmt"
	"time"
)

// EstimatedVehicleJourney is a predicted-calls record from an
// estimated-timetable feed
type EstimatedVehicleJourney struct {
	RecordedAtTime time.Time `json:"recorded_at_time"`

	OperatorRef            string `json:"operator_ref"`
	LineRef                string `json:"line_ref"`
	VehicleRef             string `json:"vehicle_ref,omitempty"`
	DirectionRef           string `json:"direction_ref,omitempty"`
	DatedVehicleJourneyRef string `json:"dated_vehicle_journey_ref"`
	DataSource             string `json:"data_source,omitempty"`

	ExtraJourney bool `json:"extra_journey,omitempty"`
	Cancellation bool `json:"cancellation,omitempty"`

	EstimatedCalls []EstimatedCall `json:"estimated_calls,omitempty"`
}

type EstimatedCall struct {
	StopPointRef          string    `json:"stop_point_ref"`
	Order                 int       `json:"order"`
	AimedArrivalTime      time.Time `json:"aimed_arrival_time,omitempty"`
	ExpectedArrivalTime   time.Time `json:"expected_arrival_time,omitempty"`
	AimedDepartureTime    time.Time `json:"aimed_departure_time,omitempty"`
	ExpectedDepartureTime time.Time `json:"expected_departure_time,omitempty"`
	Cancellation          bool      `json:"cancellation,omitempty"`
}

// journeys are kept around for a day after their final arrival
const estimatedJourneyLinger = 24 * time.Hour

func (j *EstimatedVehicleJourney) Key(datasetID string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		datasetID,
		j.OperatorRef,
		j.LineRef,
		j.VehicleRef,
		j.DirectionRef,
		j.DatedVehicleJourneyRef,
	)
}

func (j *EstimatedVehicleJourney) RecordedAt() time.Time {
	return j.RecordedAtTime
}

// ExpiresAt - a journey is valid until a day after the last call's expected
// arrival (aimed arrival when no prediction exists). A journey without any
// calls has nothing to anchor its lifetime to and is treated as expired
func (j *EstimatedVehicleJourney) ExpiresAt() (time.Time, bool) {
	if len(j.EstimatedCalls) == 0 {
		return time.Time{}, true
	}

	lastCall := j.EstimatedCalls[len(j.EstimatedCalls)-1]

	arrival := lastCall.ExpectedArrivalTime
	if arrival.IsZero() {
		arrival = lastCall.AimedArrivalTime
	}
	if arrival.IsZero() {
		return time.Time{}, true
	}

	return arrival.Add(estimatedJourneyLinger), true
}
