package datastore

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/sirihub/sirihub/pkg/sharedstate"
	"github.com/sirihub/sirihub/pkg/siri"
)

// VehicleActivities holds the current vehicle-monitoring snapshot
type VehicleActivities struct {
	*repository[*siri.VehicleActivity]
}

func NewVehicleActivities(maps sharedstate.Factory) *VehicleActivities {
	return &VehicleActivities{
		repository: newRepository[*siri.VehicleActivity](siri.VehicleMonitoringFeed, maps),
	}
}

func (s *VehicleActivities) admit(activity *siri.VehicleActivity) bool {
	return activity.VehicleRef != "" && activity.HasUsableLocation() && activity.IsMeaningful()
}

func (s *VehicleActivities) Add(ctx context.Context, datasetID string, activity *siri.VehicleActivity) (ChangeResult, error) {
	if activity == nil {
		return ResultIgnoredStale, nil
	}
	if !s.admit(activity) {
		s.countResult(datasetID, ResultRejected)
		return ResultRejected, nil
	}

	result, key, err := s.addOne(ctx, datasetID, activity)
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

// AddAll stores a batch of activities and returns the ones that were new or
// newer than the stored value. Malformed activities are counted and dropped,
// never returned as errors
func (s *VehicleActivities) AddAll(ctx context.Context, datasetID string, activities []*siri.VehicleActivity) ([]*siri.VehicleActivity, error) {
	var changedKeys []string
	var changed []*siri.VehicleActivity

	rejected := 0
	stale := 0

	for _, activity := range activities {
		if activity == nil {
			continue
		}
		if !s.admit(activity) {
			s.countResult(datasetID, ResultRejected)
			rejected++
			continue
		}

		result, key, err := s.addOne(ctx, datasetID, activity)
		if err != nil {
			return nil, err
		}
		s.countResult(datasetID, result)

		switch result {
		case ResultAdded, ResultUpdated:
			changedKeys = append(changedKeys, key)
			changed = append(changed, activity)
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
		Int("of", len(activities)).
		Int("rejected", rejected).
		Int("stale", stale).
		Msg("Processed vehicle activities")

	return changed, nil
}
