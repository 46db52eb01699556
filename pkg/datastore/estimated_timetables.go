package datastore

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/sirihub/sirihub/pkg/sharedstate"
	"github.com/sirihub/sirihub/pkg/siri"
)

// EstimatedTimetables holds the current estimated-timetable snapshot
type EstimatedTimetables struct {
	*repository[*siri.EstimatedVehicleJourney]
}

func NewEstimatedTimetables(maps sharedstate.Factory) *EstimatedTimetables {
	return &EstimatedTimetables{
		repository: newRepository[*siri.EstimatedVehicleJourney](siri.EstimatedTimetableFeed, maps),
	}
}

func (s *EstimatedTimetables) admit(journey *siri.EstimatedVehicleJourney) bool {
	// Journeys without estimated calls carry nothing to deliver
	return len(journey.EstimatedCalls) > 0
}

func (s *EstimatedTimetables) Add(ctx context.Context, datasetID string, journey *siri.EstimatedVehicleJourney) (ChangeResult, error) {
	if journey == nil {
		return ResultIgnoredStale, nil
	}
	if !s.admit(journey) {
		s.countResult(datasetID, ResultRejected)
		return ResultRejected, nil
	}

	result, key, err := s.addOne(ctx, datasetID, journey)
	if err != nil {
		return "", err
	}
	s.countResult(datasetID, result)

	if result == ResultAdded || result == ResultUpdated {
		if err := s.recordChanges(ctx, []string{key}); err != nil {
			return "", err
		}
	}

	return result, nil
}

func (s *EstimatedTimetables) AddAll(ctx context.Context, datasetID string, journeys []*siri.EstimatedVehicleJourney) ([]*siri.EstimatedVehicleJourney, error) {
	var changedKeys []string
	var changed []*siri.EstimatedVehicleJourney

	rejected := 0
	stale := 0

	for _, journey := range journeys {
		if journey == nil {
			continue
		}
		if !s.admit(journey) {
			s.countResult(datasetID, ResultRejected)
			rejected++
			continue
		}

		result, key, err := s.addOne(ctx, datasetID, journey)
		if err != nil {
			return nil, err
		}
		s.countResult(datasetID, result)

		switch result {
		case ResultAdded, ResultUpdated:
			changedKeys = append(changedKeys, key)
			changed = append(changed, journey)
		default:
			stale++
		}
	}

	if err := s.recordChanges(ctx, changedKeys); err != nil {
		return nil, err
	}

	log.Info().
		Str("dataset", datasetID).
		Int("updated", len(changed)).
		Int("of", len(journeys)).
		Int("rejected", rejected).
		Int("stale", stale).
		Msg("Processed estimated timetables")

	return changed, nil
}
