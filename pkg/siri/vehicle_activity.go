package siri

import (
	"fmt"
	"time"
)

// VehicleActivity is a single vehicle position report from a
// vehicle-monitoring feed, already normalised by the upstream adapter
type VehicleActivity struct {
	ItemIdentifier string    `json:"item_identifier,omitempty"`
	RecordedAtTime time.Time `json:"recorded_at_time"`
	ValidUntilTime time.Time `json:"valid_until_time,omitempty"`

	OperatorRef        string `json:"operator_ref,omitempty"`
	LineRef            string `json:"line_ref,omitempty"`
	DirectionRef       string `json:"direction_ref,omitempty"`
	VehicleRef         string `json:"vehicle_ref"`
	CourseOfJourneyRef string `json:"course_of_journey_ref,omitempty"`

	OriginRef                string    `json:"origin_ref,omitempty"`
	DestinationRef           string    `json:"destination_ref,omitempty"`
	OriginAimedDepartureTime time.Time `json:"origin_aimed_departure_time,omitempty"`

	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Bearing   float64 `json:"bearing,omitempty"`
	Delay     string  `json:"delay,omitempty"`
	Monitored bool    `json:"monitored,omitempty"`
}

func (a *VehicleActivity) Key(datasetID string) string {
	if a.ItemIdentifier != "" {
		return fmt.Sprintf("%s:%s", datasetID, a.ItemIdentifier)
	}

	return fmt.Sprintf("%s:%s:%s:%s:%d",
		datasetID,
		a.LineRef,
		a.VehicleRef,
		a.DirectionRef,
		a.OriginAimedDepartureTime.Unix(),
	)
}

func (a *VehicleActivity) RecordedAt() time.Time {
	return a.RecordedAtTime
}

// ExpiresAt - a missing ValidUntilTime means the activity is valid indefinitely
func (a *VehicleActivity) ExpiresAt() (time.Time, bool) {
	if a.ValidUntilTime.IsZero() {
		return time.Time{}, false
	}
	return a.ValidUntilTime, true
}

// HasUsableLocation reports whether the activity carries a real position.
// Reports with missing or zeroed coordinates carry no distinguishing value
func (a *VehicleActivity) HasUsableLocation() bool {
	return a.Longitude != 0 && a.Latitude != 0
}

// IsMeaningful - activities without any of line, course-of-journey or
// direction reference cannot be matched to a journey and are dropped
func (a *VehicleActivity) IsMeaningful() bool {
	return a.LineRef != "" || a.CourseOfJourneyRef != "" || a.DirectionRef != ""
}
