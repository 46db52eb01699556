package datastore

import (
	"context"

	"github.com/sirihub/sirihub/pkg/sharedstate"
	"github.com/sirihub/sirihub/pkg/siri"
)

// Stores bundles the four typed stores so consumers can be handed one
// dependency instead of four
type Stores struct {
	Situations           *Situations
	VehicleActivities    *VehicleActivities
	EstimatedTimetables  *EstimatedTimetables
	ProductionTimetables *ProductionTimetables
}

func NewStores(maps sharedstate.Factory) *Stores {
	return &Stores{
		Situations:           NewSituations(maps),
		VehicleActivities:    NewVehicleActivities(maps),
		EstimatedTimetables:  NewEstimatedTimetables(maps),
		ProductionTimetables: NewProductionTimetables(maps),
	}
}

// SweepExpired runs the eviction sweep over every store
func (s *Stores) SweepExpired(ctx context.Context) (int, error) {
	total := 0

	for _, sweep := range []func(context.Context) (int, error){
		s.Situations.SweepExpired,
		s.VehicleActivities.SweepExpired,
		s.EstimatedTimetables.SweepExpired,
		s.ProductionTimetables.SweepExpired,
	} {
		removed, err := sweep(ctx)
		if err != nil {
			return total, err
		}
		total += removed
	}

	return total, nil
}

// SizeByDataset aggregates per-dataset record counts across feed types
func (s *Stores) SizeByDataset(ctx context.Context) (map[siri.FeedType]map[string]int, error) {
	sizes := map[siri.FeedType]map[string]int{}

	var err error
	if sizes[siri.SituationExchangeFeed], err = s.Situations.SizeByDataset(ctx); err != nil {
		return nil, err
	}
	if sizes[siri.VehicleMonitoringFeed], err = s.VehicleActivities.SizeByDataset(ctx); err != nil {
		return nil, err
	}
	if sizes[siri.EstimatedTimetableFeed], err = s.EstimatedTimetables.SizeByDataset(ctx); err != nil {
		return nil, err
	}
	if sizes[siri.ProductionTimetableFeed], err = s.ProductionTimetables.SizeByDataset(ctx); err != nil {
		return nil, err
	}

	return sizes, nil
}
