package siri

import (
	"fmt"
	"time"
)

// ProductionTimetable is a planned-timetable delivery. These arrive rarely
// and whole, one per timetable version
type ProductionTimetable struct {
	Version           string    `json:"version"`
	ResponseTimestamp time.Time `json:"response_timestamp"`
	ValidUntil        time.Time `json:"valid_until,omitempty"`

	DatedJourneys []DatedVehicleJourney `json:"dated_journeys,omitempty"`
}

type DatedVehicleJourney struct {
	LineRef                string `json:"line_ref"`
	DirectionRef           string `json:"direction_ref,omitempty"`
	DatedVehicleJourneyRef string `json:"dated_vehicle_journey_ref"`
}

func (t *ProductionTimetable) Key(datasetID string) string {
	return fmt.Sprintf("%s:%s", datasetID, t.Version)
}

func (t *ProductionTimetable) RecordedAt() time.Time {
	return t.ResponseTimestamp
}

func (t *ProductionTimetable) ExpiresAt() (time.Time, bool) {
	if t.ValidUntil.IsZero() {
		return time.Time{}, false
	}
	return t.ValidUntil, true
}
