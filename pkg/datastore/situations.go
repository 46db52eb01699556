package datastore

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/sirihub/sirihub/pkg/sharedstate"
	"github.com/sirihub/sirihub/pkg/siri"
)

// Situations holds the current service-disruption snapshot
type Situations struct {
	*repository[*siri.Situation]
}

func NewSituations(maps sharedstate.Factory) *Situations {
	return &Situations{
		repository: newRepository[*siri.Situation](siri.SituationExchangeFeed, maps),
	}
}

func (s *Situations) admit(situation *siri.Situation) bool {
	// A situation without its identifying pair cannot be deduplicated
	return situation.SituationNumber != "" && situation.ParticipantRef != ""
}

func (s *Situations) Add(ctx context.Context, datasetID string, situation *siri.Situation) (ChangeResult, error) {
	if situation == nil {
		return ResultIgnoredStale, nil
	}
	if !s.admit(situation) {
		s.countResult(datasetID, ResultRejected)
		return ResultRejected, nil
	}

	result, key, err := s.addOne(ctx, datasetID, situation)
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

func (s *Situations) AddAll(ctx context.Context, datasetID string, situations []*siri.Situation) ([]*siri.Situation, error) {
	var changedKeys []string
	var changed []*siri.Situation

	rejected := 0
	stale := 0

	for _, situation := range situations {
		if situation == nil {
			continue
		}
		if !s.admit(situation) {
			s.countResult(datasetID, ResultRejected)
			rejected++
			continue
		}

		result, key, err := s.addOne(ctx, datasetID, situation)
		if err != nil {
			return nil, err
		}
		s.countResult(datasetID, result)

		switch result {
		case ResultAdded, ResultUpdated:
			changedKeys = append(changedKeys, key)
			changed = append(changed, situation)
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
		Int("of", len(situations)).
		Int("rejected", rejected).
		Int("stale", stale).
		Msg("Processed situations")

	return changed, nil
}
