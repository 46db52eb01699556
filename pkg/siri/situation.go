package siri

import (
	"fmt"
	"time"
)

// Situation is a service-disruption message from a situation-exchange feed
type Situation struct {
	SituationNumber string    `json:"situation_number"`
	ParticipantRef  string    `json:"participant_ref"`
	VersionedAtTime time.Time `json:"versioned_at_time"`

	Progress    string `json:"progress,omitempty"`
	Severity    string `json:"severity,omitempty"`
	ReportType  string `json:"report_type,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`

	ValidityPeriods  []ValidityPeriod  `json:"validity_periods,omitempty"`
	AffectedNetworks []AffectedNetwork `json:"affected_networks,omitempty"`
	AffectedStops    []string          `json:"affected_stops,omitempty"`
}

type ValidityPeriod struct {
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// AffectedNetwork scopes a situation to parts of the network. One situation
// can reference many lines, so subscriber filtering has to check all of them
type AffectedNetwork struct {
	NetworkRef    string         `json:"network_ref,omitempty"`
	VehicleMode   string         `json:"vehicle_mode,omitempty"`
	AffectedLines []AffectedLine `json:"affected_lines,omitempty"`
}

type AffectedLine struct {
	LineRef       string   `json:"line_ref"`
	PublishedName string   `json:"published_name,omitempty"`
	AffectedRoute []string `json:"affected_route,omitempty"`
}

func (s *Situation) Key(datasetID string) string {
	return fmt.Sprintf("%s:%s:%s", datasetID, s.SituationNumber, s.ParticipantRef)
}

func (s *Situation) RecordedAt() time.Time {
	return s.VersionedAtTime
}

// ExpiresAt - a situation is valid while any validity period is still open.
// No validity periods at all means it never expires
func (s *Situation) ExpiresAt() (time.Time, bool) {
	if len(s.ValidityPeriods) == 0 {
		return time.Time{}, false
	}

	var latestEnd time.Time
	for _, period := range s.ValidityPeriods {
		if period.EndTime.IsZero() {
			// Open-ended period keeps the situation alive forever
			return time.Time{}, false
		}
		if period.EndTime.After(latestEnd) {
			latestEnd = period.EndTime
		}
	}

	return latestEnd, true
}

// LineRefs returns every line referenced by this situation across all
// affected networks
func (s *Situation) LineRefs() []string {
	var refs []string
	for _, network := range s.AffectedNetworks {
		for _, line := range network.AffectedLines {
			if line.LineRef != "" {
				refs = append(refs, line.LineRef)
			}
		}
	}
	return refs
}
