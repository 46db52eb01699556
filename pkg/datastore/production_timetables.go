package datastore

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/sirihub/sirihub/pkg/sharedstate"
	"github.com/sirihub/sirihub/pkg/siri"
)

// ProductionTimetables holds planned-timetable deliveries keyed by version.
// The legacy linear-scan form was replaced by the keyed store - the replace
// semantics (same version supersedes) are unchanged
type ProductionTimetables struct {
	*repository[*siri.ProductionTimetable]
}

func NewProductionTimetables(maps sharedstate.Factory) *ProductionTimetables {
	return &ProductionTimetables{
		repository: newRepository[*siri.ProductionTimetable](siri.ProductionTimetableFeed, maps),
	}
}

func (s *ProductionTimetables) admit(timetable *siri.ProductionTimetable) bool {
	return timetable.Version != ""
}

func (s *ProductionTimetables) Add(ctx context.Context, datasetID string, timetable *siri.ProductionTimetable) (ChangeResult, error) {
	if timetable == nil {
		return ResultIgnoredStale, nil
	}
	if !s.admit(timetable) {
		s.countResult(datasetID, ResultRejected)
		return ResultRejected, nil
	}

	result, key, err := s.addOne(ctx, datasetID, timetable)
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

func (s *ProductionTimetables) AddAll(ctx context.Context, datasetID string, timetables []*siri.ProductionTimetable) ([]*siri.ProductionTimetable, error) {
	var changedKeys []string
	var changed []*siri.ProductionTimetable

	for _, timetable := range timetables {
		if timetable == nil {
			continue
		}
		if !s.admit(timetable) {
			s.countResult(datasetID, ResultRejected)
			continue
		}

		result, key, err := s.addOne(ctx, datasetID, timetable)
		if err != nil {
			return nil, err
		}
		s.countResult(datasetID, result)

		if result == ResultAdded || result == ResultUpdated {
			changedKeys = append(changedKeys, key)
			changed = append(changed, timetable)
		}
	}

	if err := s.recordChanges(ctx, changedKeys); err != nil {
		return nil, err
	}

	log.Info().
		Str("dataset", datasetID).
		Int("updated", len(changed)).
		Int("of", len(timetables)).
		Msg("Processed production timetables")

	return changed, nil
}
