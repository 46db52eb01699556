// Package ingest drains the record queue that upstream vendor adapters
// publish into, and feeds the stores and the outbound fan-out.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/rs/zerolog/log"
	"github.com/sirihub/sirihub/pkg/datastore"
	"github.com/sirihub/sirihub/pkg/outbound"
	"github.com/sirihub/sirihub/pkg/redis_client"
	"github.com/sirihub/sirihub/pkg/siri"
	"github.com/sirihub/sirihub/pkg/subscriptions"
)

const QueueName = "sirihub-records"

const numConsumers = 5
const batchSize = 200

// RecordEnvelope wraps one record on the queue with its provenance
type RecordEnvelope struct {
	SubscriptionID string          `json:"subscription_id"`
	DatasetID      string          `json:"dataset_id"`
	FeedType       siri.FeedType   `json:"feed_type"`
	Payload        json.RawMessage `json:"payload"`
}

// Publish puts one envelope on the record queue
func Publish(queue rmq.Queue, envelope RecordEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return queue.PublishBytes(payload)
}

// StartConsumers opens the record queue and runs the background consumers
func StartConsumers(stores *datastore.Stores, distributor *outbound.Manager, inbound *subscriptions.Manager) {
	log.Info().Msg("Starting record consumers")

	queue, err := redis_client.QueueConnection.OpenQueue(QueueName)
	if err != nil {
		panic(err)
	}
	if err := queue.StartConsuming(numConsumers*batchSize, 1*time.Second); err != nil {
		panic(err)
	}

	for i := 0; i < numConsumers; i++ {
		go startRecordConsumer(queue, i, stores, distributor, inbound)
	}
}

func startRecordConsumer(queue rmq.Queue, id int, stores *datastore.Stores, distributor *outbound.Manager, inbound *subscriptions.Manager) {
	log.Info().Msgf("Starting record consumer %d", id)

	if _, err := queue.AddBatchConsumer(fmt.Sprintf("%s-%d", QueueName, id), batchSize, 2*time.Second, NewBatchConsumer(id, stores, distributor, inbound)); err != nil {
		panic(err)
	}
}

type BatchConsumer struct {
	id          int
	stores      *datastore.Stores
	distributor *outbound.Manager
	inbound     *subscriptions.Manager
}

func NewBatchConsumer(id int, stores *datastore.Stores, distributor *outbound.Manager, inbound *subscriptions.Manager) *BatchConsumer {
	return &BatchConsumer{
		id:          id,
		stores:      stores,
		distributor: distributor,
		inbound:     inbound,
	}
}

// changeGroup collects the records of one (feed type, dataset) pair that a
// batch actually changed, for a single outbound dispatch per pair
type changeGroup struct {
	datasetID string

	situations []*siri.Situation
	activities []*siri.VehicleActivity
	journeys   []*siri.EstimatedVehicleJourney
	timetables []*siri.ProductionTimetable
}

func (consumer *BatchConsumer) Consume(batch rmq.Deliveries) {
	ctx := context.Background()

	changes := map[string]*changeGroup{}
	group := func(feedType siri.FeedType, datasetID string) *changeGroup {
		key := string(feedType) + ":" + datasetID
		if changes[key] == nil {
			changes[key] = &changeGroup{datasetID: datasetID}
		}
		return changes[key]
	}

	for _, payload := range batch.Payloads() {
		var envelope RecordEnvelope
		if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
			log.Error().Err(err).Msg("Failed to decode record envelope")
			continue
		}

		changed, err := consumer.consumeOne(ctx, &envelope, group(envelope.FeedType, envelope.DatasetID))
		if err != nil {
			log.Error().Err(err).Str("feed_type", string(envelope.FeedType)).Msg("Failed to store record")
			continue
		}

		if envelope.SubscriptionID != "" {
			if changed {
				err = consumer.inbound.RecordDataReceived(ctx, envelope.SubscriptionID)
			} else {
				err = consumer.inbound.Touch(ctx, envelope.SubscriptionID)
			}
			if err != nil {
				log.Error().Err(err).Str("subscription", envelope.SubscriptionID).Msg("Failed to record inbound activity")
			}
		}
	}

	consumer.distribute(ctx, changes)

	if ackErrors := batch.Ack(); len(ackErrors) > 0 {
		for _, err := range ackErrors {
			log.Error().Err(err).Msg("Failed to ack record batch")
		}
	}
}

// consumeOne decodes and stores a single record. Rejected and stale records
// are not errors, only undecodable ones are
func (consumer *BatchConsumer) consumeOne(ctx context.Context, envelope *RecordEnvelope, group *changeGroup) (bool, error) {
	switch envelope.FeedType {
	case siri.SituationExchangeFeed:
		var situation *siri.Situation
		if err := json.Unmarshal(envelope.Payload, &situation); err != nil {
			return false, err
		}
		result, err := consumer.stores.Situations.Add(ctx, envelope.DatasetID, situation)
		if err != nil {
			return false, err
		}
		if changed(result) {
			group.situations = append(group.situations, situation)
			return true, nil
		}

	case siri.VehicleMonitoringFeed:
		var activity *siri.VehicleActivity
		if err := json.Unmarshal(envelope.Payload, &activity); err != nil {
			return false, err
		}
		result, err := consumer.stores.VehicleActivities.Add(ctx, envelope.DatasetID, activity)
		if err != nil {
			return false, err
		}
		if changed(result) {
			group.activities = append(group.activities, activity)
			return true, nil
		}

	case siri.EstimatedTimetableFeed:
		var journey *siri.EstimatedVehicleJourney
		if err := json.Unmarshal(envelope.Payload, &journey); err != nil {
			return false, err
		}
		result, err := consumer.stores.EstimatedTimetables.Add(ctx, envelope.DatasetID, journey)
		if err != nil {
			return false, err
		}
		if changed(result) {
			group.journeys = append(group.journeys, journey)
			return true, nil
		}

	case siri.ProductionTimetableFeed:
		var timetable *siri.ProductionTimetable
		if err := json.Unmarshal(envelope.Payload, &timetable); err != nil {
			return false, err
		}
		result, err := consumer.stores.ProductionTimetables.Add(ctx, envelope.DatasetID, timetable)
		if err != nil {
			return false, err
		}
		if changed(result) {
			group.timetables = append(group.timetables, timetable)
			return true, nil
		}

	default:
		return false, fmt.Errorf("unknown feed type %q", envelope.FeedType)
	}

	return false, nil
}

func changed(result datastore.ChangeResult) bool {
	return result == datastore.ResultAdded || result == datastore.ResultUpdated
}

// distribute hands each non-empty change group to the outbound fan-out
func (consumer *BatchConsumer) distribute(ctx context.Context, changes map[string]*changeGroup) {
	for key, group := range changes {
		datasetID := group.datasetID

		var err error
		switch {
		case len(group.situations) > 0:
			err = consumer.distributor.HandleSituations(ctx, datasetID, group.situations)
		case len(group.activities) > 0:
			err = consumer.distributor.HandleVehicleActivities(ctx, datasetID, group.activities)
		case len(group.journeys) > 0:
			err = consumer.distributor.HandleEstimatedTimetables(ctx, datasetID, group.journeys)
		case len(group.timetables) > 0:
			err = consumer.distributor.HandleProductionTimetables(ctx, datasetID, group.timetables)
		default:
			continue
		}

		if err != nil {
			log.Error().Err(err).Str("group", key).Msg("Failed to distribute changed records")
		}
	}
}
