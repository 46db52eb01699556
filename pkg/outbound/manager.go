package outbound

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sirihub/sirihub/pkg/datastore"
	"github.com/sirihub/sirihub/pkg/leader"
	"github.com/sirihub/sirihub/pkg/metrics"
	"github.com/sirihub/sirihub/pkg/sharedstate"
	"github.com/sirihub/sirihub/pkg/siri"
	"github.com/sourcegraph/conc/pool"
)

const (
	sweepInterval = 2 * time.Second

	// Failing pushes are tolerated for at least this long before the
	// subscription is dropped
	minFailureGrace = 5 * time.Minute

	maxConcurrentPushes = 8
)

// Pusher delivers an encoded payload to a subscriber address
type Pusher interface {
	Push(ctx context.Context, address string, payload []byte, isHeartbeat bool) error
}

// Manager owns the outbound subscription set and the push fan-out
type Manager struct {
	producerRef string

	subscriptions *sharedstate.Typed[Subscription]

	// One entry per subscription with TTL = heartbeat interval. While the
	// entry lives, no heartbeat is due. Data pushes refresh it, so active
	// subscribers never receive heartbeats
	heartbeats sharedstate.Map

	// First-failure timestamp per subscription
	failures *sharedstate.Typed[time.Time]

	stores *datastore.Stores
	pusher Pusher

	// Guards subscribe/terminate sequences against each other
	mutex sync.Mutex

	// Counts in-flight background pushes so shutdown can drain them
	inFlight sync.WaitGroup

	now       func() time.Time
	startedAt time.Time
}

func NewManager(producerRef string, maps sharedstate.Factory, stores *datastore.Stores, pusher Pusher) *Manager {
	return &Manager{
		producerRef:   producerRef,
		subscriptions: sharedstate.NewTyped[Subscription](maps("outbound:subscriptions")),
		heartbeats:    maps("outbound:heartbeats"),
		failures:      sharedstate.NewTyped[time.Time](maps("outbound:failures")),
		stores:        stores,
		pusher:        pusher,
		now:           time.Now,
		startedAt:     time.Now(),
	}
}

// Wait blocks until in-flight background pushes drain. Shutdown only
func (m *Manager) Wait() {
	m.inFlight.Wait()
}

// background runs a push off the caller's goroutine, tracked for shutdown
func (m *Manager) background(push func()) {
	m.inFlight.Add(1)
	go func() {
		defer m.inFlight.Done()
		push()
	}()
}

// Subscribe validates and registers a downstream consumer. Validation
// failures come back as a negative outcome, not an error. A duplicate id
// with the same type renews the subscription
func (m *Manager) Subscribe(ctx context.Context, request SubscribeRequest) (*SubscribeOutcome, error) {
	reject := func(reason string) *SubscribeOutcome {
		log.Info().
			Str("subscription", request.SubscriptionID).
			Str("reason", reason).
			Msg("Rejected outbound subscription request")
		return &SubscribeOutcome{
			Accepted:          false,
			Reason:            reason,
			SubscriptionID:    request.SubscriptionID,
			ResponseTimestamp: m.now(),
		}
	}

	address := request.resolveAddress()
	if address == "" {
		return reject("no consumer address"), nil
	}
	if request.SubscriptionID == "" {
		return reject("no subscription id"), nil
	}
	if !request.InitialTerminationTime.After(m.now()) {
		return reject("initial termination time is not in the future"), nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	existing, found, err := m.subscriptions.Get(ctx, request.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if found && existing.SubscriptionType != request.SubscriptionType {
		return reject("subscription id already in use for a different type"), nil
	}

	subscription := Subscription{
		SubscriptionID:         request.SubscriptionID,
		RequestorRef:           request.RequestorRef,
		Address:                address,
		SubscriptionType:       request.SubscriptionType,
		Filter:                 request.Filter,
		HeartbeatInterval:      clampHeartbeatInterval(request.HeartbeatInterval),
		InitialTerminationTime: request.InitialTerminationTime,
		DatasetID:              request.DatasetID,
		RequestedAt:            m.now(),
	}

	if err := m.subscriptions.Set(ctx, subscription.SubscriptionID, subscription); err != nil {
		return nil, err
	}
	m.updateGauge(ctx)

	log.Info().
		Str("subscription", subscription.SubscriptionID).
		Str("requestor", subscription.RequestorRef).
		Str("type", string(subscription.SubscriptionType)).
		Str("address", subscription.Address).
		Msg("Registered outbound subscription")

	m.background(func() {
		m.pushInitialSnapshot(context.Background(), subscription)
	})

	return &SubscribeOutcome{
		Accepted:          true,
		SubscriptionID:    subscription.SubscriptionID,
		HeartbeatInterval: subscription.HeartbeatInterval,
		ResponseTimestamp: m.now(),
	}, nil
}

// pushInitialSnapshot sends the new subscriber everything currently known
// for its feed type, filtered like any other delivery
func (m *Manager) pushInitialSnapshot(ctx context.Context, subscription Subscription) {
	delivery := &Delivery{
		ProducerRef:       m.producerRef,
		ResponseTimestamp: m.now(),
		FeedType:          subscription.SubscriptionType,
	}

	var err error
	switch subscription.SubscriptionType {
	case siri.SituationExchangeFeed:
		delivery.Situations, err = m.stores.Situations.GetAllForDataset(ctx, subscription.DatasetID)
	case siri.VehicleMonitoringFeed:
		delivery.VehicleActivities, err = m.stores.VehicleActivities.GetAllForDataset(ctx, subscription.DatasetID)
	case siri.EstimatedTimetableFeed:
		delivery.EstimatedVehicleJourneys, err = m.stores.EstimatedTimetables.GetAllForDataset(ctx, subscription.DatasetID)
	case siri.ProductionTimetableFeed:
		delivery.ProductionTimetables, err = m.stores.ProductionTimetables.GetAllForDataset(ctx, subscription.DatasetID)
	}
	if err != nil {
		log.Error().Err(err).Str("subscription", subscription.SubscriptionID).Msg("Failed to load initial snapshot")
		return
	}

	m.pushDelivery(ctx, subscription, delivery)
}

// HandleSituations fans changed situations out to matching subscribers
func (m *Manager) HandleSituations(ctx context.Context, datasetID string, situations []*siri.Situation) error {
	return m.dispatch(ctx, datasetID, &Delivery{
		ProducerRef:       m.producerRef,
		ResponseTimestamp: m.now(),
		FeedType:          siri.SituationExchangeFeed,
		Situations:        situations,
	})
}

func (m *Manager) HandleVehicleActivities(ctx context.Context, datasetID string, activities []*siri.VehicleActivity) error {
	return m.dispatch(ctx, datasetID, &Delivery{
		ProducerRef:       m.producerRef,
		ResponseTimestamp: m.now(),
		FeedType:          siri.VehicleMonitoringFeed,
		VehicleActivities: activities,
	})
}

func (m *Manager) HandleEstimatedTimetables(ctx context.Context, datasetID string, journeys []*siri.EstimatedVehicleJourney) error {
	return m.dispatch(ctx, datasetID, &Delivery{
		ProducerRef:              m.producerRef,
		ResponseTimestamp:        m.now(),
		FeedType:                 siri.EstimatedTimetableFeed,
		EstimatedVehicleJourneys: journeys,
	})
}

func (m *Manager) HandleProductionTimetables(ctx context.Context, datasetID string, timetables []*siri.ProductionTimetable) error {
	return m.dispatch(ctx, datasetID, &Delivery{
		ProducerRef:          m.producerRef,
		ResponseTimestamp:    m.now(),
		FeedType:             siri.ProductionTimetableFeed,
		ProductionTimetables: timetables,
	})
}

// dispatch selects the matching subscribers and hands the pushes to a
// bounded pool off the caller's goroutine - ingestion never waits for
// delivery. Failures stay with their subscriber
func (m *Manager) dispatch(ctx context.Context, datasetID string, delivery *Delivery) error {
	if delivery.empty() {
		return nil
	}

	subscriptions, err := m.matching(ctx, delivery.FeedType, datasetID)
	if err != nil {
		return err
	}
	if len(subscriptions) == 0 {
		return nil
	}

	m.background(func() {
		p := pool.New().WithMaxGoroutines(maxConcurrentPushes)
		for _, subscription := range subscriptions {
			subscription := subscription
			p.Go(func() {
				m.pushDelivery(context.Background(), subscription, delivery)
			})
		}
		p.Wait()
	})

	return nil
}

func (m *Manager) matching(ctx context.Context, feedType siri.FeedType, datasetID string) ([]Subscription, error) {
	all, err := m.All(ctx)
	if err != nil {
		return nil, err
	}

	var matched []Subscription
	for _, subscription := range all {
		if subscription.wants(feedType, datasetID) {
			matched = append(matched, subscription)
		}
	}
	return matched, nil
}

// pushDelivery filters, encodes and pushes one delivery to one subscriber,
// then settles the fail tracker and heartbeat clock
func (m *Manager) pushDelivery(ctx context.Context, subscription Subscription, delivery *Delivery) {
	filtered, err := filterForSubscriber(delivery, &subscription)
	if err != nil {
		log.Error().Err(err).Str("subscription", subscription.SubscriptionID).Msg("Failed to prepare delivery")
		return
	}
	if filtered.empty() {
		return
	}

	payload, err := json.Marshal(filtered)
	if err != nil {
		log.Error().Err(err).Str("subscription", subscription.SubscriptionID).Msg("Failed to encode delivery")
		return
	}

	if err := m.pusher.Push(ctx, subscription.Address, payload, false); err != nil {
		metrics.OutboundPushes.WithLabelValues("data", "error").Inc()
		log.Warn().Err(err).Str("subscription", subscription.SubscriptionID).Msg("Push failed")
		m.PushFailed(ctx, subscription.SubscriptionID)
		return
	}

	metrics.OutboundPushes.WithLabelValues("data", "ok").Inc()
	m.PushSucceeded(ctx, subscription.SubscriptionID)

	// A data push proves liveness, suppress the next heartbeat
	if err := m.heartbeats.SetWithTTL(ctx, subscription.SubscriptionID, []byte("1"), subscription.HeartbeatInterval); err != nil {
		log.Error().Err(err).Str("subscription", subscription.SubscriptionID).Msg("Failed to refresh heartbeat clock")
	}
}

// Terminate removes a subscription and all bookkeeping for it. Returns
// whether the subscription existed
func (m *Manager) Terminate(ctx context.Context, subscriptionID string, sendConfirmation bool) (bool, error) {
	m.mutex.Lock()
	subscription, found, err := m.subscriptions.Get(ctx, subscriptionID)
	if err != nil || !found {
		m.mutex.Unlock()
		return false, err
	}

	if err := m.subscriptions.Delete(ctx, subscriptionID); err != nil {
		m.mutex.Unlock()
		return false, err
	}
	if err := m.heartbeats.Delete(ctx, subscriptionID); err != nil {
		m.mutex.Unlock()
		return false, err
	}
	if err := m.failures.Delete(ctx, subscriptionID); err != nil {
		m.mutex.Unlock()
		return false, err
	}
	m.updateGauge(ctx)
	m.mutex.Unlock()

	log.Info().
		Str("subscription", subscriptionID).
		Bool("confirmed", sendConfirmation).
		Msg("Terminated outbound subscription")

	if sendConfirmation {
		confirmation := TerminationConfirmation{
			SubscriptionID:    subscriptionID,
			RequestorRef:      subscription.RequestorRef,
			Status:            true,
			ResponseTimestamp: m.now(),
		}
		payload, err := json.Marshal(confirmation)
		if err != nil {
			return true, err
		}
		m.background(func() {
			if err := m.pusher.Push(context.Background(), subscription.Address, payload, false); err != nil {
				metrics.OutboundPushes.WithLabelValues("termination", "error").Inc()
				log.Warn().Err(err).Str("subscription", subscriptionID).Msg("Failed to confirm termination")
				return
			}
			metrics.OutboundPushes.WithLabelValues("termination", "ok").Inc()
		})
	}

	return true, nil
}

// CheckStatus answers a liveness probe by pushing a status response to every
// subscription held by the requestor. Returns whether any matched
func (m *Manager) CheckStatus(ctx context.Context, requestorRef string) (bool, error) {
	all, err := m.All(ctx)
	if err != nil {
		return false, err
	}

	response := StatusResponse{
		RequestorRef:       requestorRef,
		Status:             true,
		ServiceStartedTime: m.startedAt,
		ResponseTimestamp:  m.now(),
	}
	payload, err := json.Marshal(response)
	if err != nil {
		return false, err
	}

	found := false
	for _, subscription := range all {
		if subscription.RequestorRef != requestorRef {
			continue
		}
		found = true

		address := subscription.Address
		id := subscription.SubscriptionID
		m.background(func() {
			if err := m.pusher.Push(context.Background(), address, payload, false); err != nil {
				metrics.OutboundPushes.WithLabelValues("status", "error").Inc()
				log.Warn().Err(err).Str("subscription", id).Msg("Failed to push status response")
				return
			}
			metrics.OutboundPushes.WithLabelValues("status", "ok").Inc()
		})
	}

	return found, nil
}

// Sweep terminates expired subscriptions and sends heartbeats to the ones
// whose heartbeat clock ran out
func (m *Manager) Sweep(ctx context.Context) error {
	all, err := m.All(ctx)
	if err != nil {
		return err
	}

	now := m.now()
	p := pool.New().WithMaxGoroutines(maxConcurrentPushes)

	for _, subscription := range all {
		if subscription.expired(now) {
			log.Info().Str("subscription", subscription.SubscriptionID).Msg("Outbound subscription reached its termination time")
			if _, err := m.Terminate(ctx, subscription.SubscriptionID, false); err != nil {
				return err
			}
			continue
		}

		_, alive, err := m.heartbeats.Get(ctx, subscription.SubscriptionID)
		if err != nil {
			return err
		}
		if alive {
			continue
		}

		subscription := subscription
		p.Go(func() {
			m.pushHeartbeat(ctx, subscription)
		})
	}
	p.Wait()

	return nil
}

func (m *Manager) pushHeartbeat(ctx context.Context, subscription Subscription) {
	heartbeat := Heartbeat{
		ProducerRef:        m.producerRef,
		SubscriptionID:     subscription.SubscriptionID,
		Status:             true,
		ServiceStartedTime: m.startedAt,
		RequestTimestamp:   m.now(),
	}
	payload, err := json.Marshal(heartbeat)
	if err != nil {
		log.Error().Err(err).Str("subscription", subscription.SubscriptionID).Msg("Failed to encode heartbeat")
		return
	}

	if err := m.pusher.Push(ctx, subscription.Address, payload, true); err != nil {
		metrics.OutboundPushes.WithLabelValues("heartbeat", "error").Inc()
		m.PushFailed(ctx, subscription.SubscriptionID)
		return
	}
	metrics.OutboundPushes.WithLabelValues("heartbeat", "ok").Inc()
	m.PushSucceeded(ctx, subscription.SubscriptionID)

	// The clock only starts once a heartbeat actually went out; after a
	// failed attempt the next sweep tries again
	if err := m.heartbeats.SetWithTTL(ctx, subscription.SubscriptionID, []byte("1"), subscription.HeartbeatInterval); err != nil {
		log.Error().Err(err).Str("subscription", subscription.SubscriptionID).Msg("Failed to set heartbeat clock")
	}
}

// SweepLoop runs Sweep on the leader until the context ends
func (m *Manager) SweepLoop(ctx context.Context, elector leader.Elector) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !elector.IsLeader("outbound-sweep") {
				continue
			}
			if err := m.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Outbound sweep failed")
			}
		}
	}
}

// PushFailed records a delivery failure. Once failures have persisted past
// the grace period the subscription is dropped without confirmation
func (m *Manager) PushFailed(ctx context.Context, subscriptionID string) {
	subscription, found, err := m.subscriptions.Get(ctx, subscriptionID)
	if err != nil || !found {
		return
	}

	now := m.now()
	firstFailure, tracked, err := m.failures.Get(ctx, subscriptionID)
	if err != nil {
		log.Error().Err(err).Str("subscription", subscriptionID).Msg("Failed to read fail tracker")
		return
	}
	if !tracked {
		if err := m.failures.Set(ctx, subscriptionID, now); err != nil {
			log.Error().Err(err).Str("subscription", subscriptionID).Msg("Failed to record push failure")
		}
		return
	}

	if now.Sub(firstFailure) > failureGrace(subscription) {
		log.Warn().
			Str("subscription", subscriptionID).
			Time("failing_since", firstFailure).
			Msg("Dropping outbound subscription after persistent push failures")
		if _, err := m.Terminate(ctx, subscriptionID, false); err != nil {
			log.Error().Err(err).Str("subscription", subscriptionID).Msg("Failed to drop subscription")
		}
	}
}

// PushSucceeded clears the fail tracker
func (m *Manager) PushSucceeded(ctx context.Context, subscriptionID string) {
	if err := m.failures.Delete(ctx, subscriptionID); err != nil {
		log.Error().Err(err).Str("subscription", subscriptionID).Msg("Failed to clear fail tracker")
	}
}

func failureGrace(subscription Subscription) time.Duration {
	grace := 3 * subscription.HeartbeatInterval
	if grace < minFailureGrace {
		return minFailureGrace
	}
	return grace
}

func (m *Manager) Get(ctx context.Context, subscriptionID string) (Subscription, bool, error) {
	return m.subscriptions.Get(ctx, subscriptionID)
}

func (m *Manager) All(ctx context.Context) ([]Subscription, error) {
	ids, err := m.subscriptions.Keys(ctx, "")
	if err != nil {
		return nil, err
	}

	var all []Subscription
	for _, id := range ids {
		subscription, found, err := m.subscriptions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			all = append(all, subscription)
		}
	}
	return all, nil
}

func (m *Manager) updateGauge(ctx context.Context) {
	all, err := m.All(ctx)
	if err != nil {
		return
	}

	counts := map[siri.FeedType]int{
		siri.SituationExchangeFeed:   0,
		siri.VehicleMonitoringFeed:   0,
		siri.EstimatedTimetableFeed:  0,
		siri.ProductionTimetableFeed: 0,
	}
	for _, subscription := range all {
		counts[subscription.SubscriptionType]++
	}
	for feedType, count := range counts {
		metrics.OutboundSubscriptions.WithLabelValues(string(feedType)).Set(float64(count))
	}
}
