// Package subscriptions tracks the inbound vendor subscriptions this node
// consumes data through, and answers health questions about them. It never
// establishes the subscriptions itself.
package subscriptions

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sirihub/sirihub/pkg/leader"
	"github.com/sirihub/sirihub/pkg/sharedstate"
	"github.com/sirihub/sirihub/pkg/siri"
)

// A subscription with no heartbeat interval is considered unhealthy after
// this long without any sign of life
const defaultAllowedInactivity = 5 * time.Minute

// healthFactor scales the heartbeat interval into the allowed inactivity
// window. Vendors routinely deliver heartbeats late, so a single missed
// interval is not a health signal
const healthFactor = 5

const healthCheckInterval = 30 * time.Second

// Setup describes one inbound subscription against an upstream vendor
type Setup struct {
	SubscriptionID    string        `json:"subscription_id"`
	DatasetID         string        `json:"dataset_id"`
	Vendor            string        `json:"vendor"`
	SubscriptionType  siri.FeedType `json:"subscription_type"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	RequestorRef      string        `json:"requestor_ref"`

	// Active is false until the vendor confirms the subscription
	Active bool `json:"active"`
}

// Manager answers liveness questions about registered inbound subscriptions.
// State lives in shared maps so every node sees the same view
type Manager struct {
	setups           *sharedstate.Typed[Setup]
	lastActivity     *sharedstate.Typed[time.Time]
	lastDataReceived *sharedstate.Typed[time.Time]
	activatedAt      *sharedstate.Typed[time.Time]

	now func() time.Time
}

func NewManager(maps sharedstate.Factory) *Manager {
	return &Manager{
		setups:           sharedstate.NewTyped[Setup](maps("subscriptions:setups")),
		lastActivity:     sharedstate.NewTyped[time.Time](maps("subscriptions:activity")),
		lastDataReceived: sharedstate.NewTyped[time.Time](maps("subscriptions:data")),
		activatedAt:      sharedstate.NewTyped[time.Time](maps("subscriptions:activated")),
		now:              time.Now,
	}
}

// Register stores the setup and starts the activity clock, so a subscription
// that never delivers anything still shows up as unhealthy later
func (m *Manager) Register(ctx context.Context, setup Setup) error {
	if err := m.setups.Set(ctx, setup.SubscriptionID, setup); err != nil {
		return err
	}
	if err := m.lastActivity.Set(ctx, setup.SubscriptionID, m.now()); err != nil {
		return err
	}

	log.Info().
		Str("subscription", setup.SubscriptionID).
		Str("vendor", setup.Vendor).
		Str("type", string(setup.SubscriptionType)).
		Msg("Registered inbound subscription")

	return nil
}

func (m *Manager) Unregister(ctx context.Context, subscriptionID string) error {
	for _, remove := range []func(context.Context, string) error{
		m.setups.Delete,
		m.lastActivity.Delete,
		m.lastDataReceived.Delete,
		m.activatedAt.Delete,
	} {
		if err := remove(ctx, subscriptionID); err != nil {
			return err
		}
	}

	log.Info().Str("subscription", subscriptionID).Msg("Unregistered inbound subscription")
	return nil
}

// ActivatePending marks a confirmed subscription active. Unknown ids are a
// no-op, the vendor may be answering a setup this node never made
func (m *Manager) ActivatePending(ctx context.Context, subscriptionID string) error {
	setup, found, err := m.setups.Get(ctx, subscriptionID)
	if err != nil || !found {
		return err
	}
	if setup.Active {
		return nil
	}

	setup.Active = true
	if err := m.setups.Set(ctx, subscriptionID, setup); err != nil {
		return err
	}
	if err := m.activatedAt.Set(ctx, subscriptionID, m.now()); err != nil {
		return err
	}

	log.Info().Str("subscription", subscriptionID).Msg("Activated inbound subscription")
	return m.Touch(ctx, subscriptionID)
}

// Touch records a sign of life (heartbeat, ack, any delivery). Hot path
func (m *Manager) Touch(ctx context.Context, subscriptionID string) error {
	return m.lastActivity.Set(ctx, subscriptionID, m.now())
}

// RecordDataReceived notes that actual records arrived, which is a stronger
// signal than a heartbeat. Counts as activity too
func (m *Manager) RecordDataReceived(ctx context.Context, subscriptionID string) error {
	if err := m.lastDataReceived.Set(ctx, subscriptionID, m.now()); err != nil {
		return err
	}
	return m.Touch(ctx, subscriptionID)
}

func (m *Manager) Get(ctx context.Context, subscriptionID string) (Setup, bool, error) {
	return m.setups.Get(ctx, subscriptionID)
}

func (m *Manager) All(ctx context.Context) ([]Setup, error) {
	ids, err := m.setups.Keys(ctx, "")
	if err != nil {
		return nil, err
	}

	var setups []Setup
	for _, id := range ids {
		setup, found, err := m.setups.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			setups = append(setups, setup)
		}
	}
	return setups, nil
}

func (m *Manager) IsActive(ctx context.Context, subscriptionID string) (bool, error) {
	setup, found, err := m.setups.Get(ctx, subscriptionID)
	if err != nil || !found {
		return false, err
	}
	return setup.Active, nil
}

// IsHealthy reports whether the subscription showed any activity within its
// allowed inactivity window. Unknown subscriptions are unhealthy
func (m *Manager) IsHealthy(ctx context.Context, subscriptionID string) (bool, error) {
	setup, found, err := m.setups.Get(ctx, subscriptionID)
	if err != nil || !found {
		return false, err
	}

	activity, found, err := m.lastActivity.Get(ctx, subscriptionID)
	if err != nil || !found {
		return false, err
	}

	return m.now().Sub(activity) <= allowedInactivity(setup), nil
}

// IsReceivingData reports whether records (not just heartbeats) arrived
// within the window
func (m *Manager) IsReceivingData(ctx context.Context, subscriptionID string, window time.Duration) (bool, error) {
	received, found, err := m.lastDataReceived.Get(ctx, subscriptionID)
	if err != nil || !found {
		return false, err
	}
	return m.now().Sub(received) <= window, nil
}

// UnhealthyVendors lists the vendors whose active subscriptions stopped
// delivering data inside the window. Input for re-subscribe workflows
func (m *Manager) UnhealthyVendors(ctx context.Context, window time.Duration) ([]string, error) {
	setups, err := m.All(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var vendors []string

	for _, setup := range setups {
		if !setup.Active || seen[setup.Vendor] {
			continue
		}

		receiving, err := m.IsReceivingData(ctx, setup.SubscriptionID, window)
		if err != nil {
			return nil, err
		}
		if !receiving {
			seen[setup.Vendor] = true
			vendors = append(vendors, setup.Vendor)
		}
	}

	return vendors, nil
}

// HealthCheckLoop periodically logs subscriptions that went quiet. Only the
// leader runs the check so the cluster does not log the same vendor N times
func (m *Manager) HealthCheckLoop(ctx context.Context, elector leader.Elector) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !elector.IsLeader("subscriptions-healthcheck") {
				continue
			}
			m.checkHealth(ctx)
		}
	}
}

func (m *Manager) checkHealth(ctx context.Context) {
	setups, err := m.All(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load inbound subscriptions for health check")
		return
	}

	for _, setup := range setups {
		if !setup.Active {
			continue
		}

		healthy, err := m.IsHealthy(ctx, setup.SubscriptionID)
		if err != nil {
			log.Error().Err(err).Str("subscription", setup.SubscriptionID).Msg("Health check failed")
			continue
		}
		if !healthy {
			log.Warn().
				Str("subscription", setup.SubscriptionID).
				Str("vendor", setup.Vendor).
				Str("type", string(setup.SubscriptionType)).
				Msg("Inbound subscription has gone quiet")
		}
	}
}

func allowedInactivity(setup Setup) time.Duration {
	if setup.HeartbeatInterval <= 0 {
		return defaultAllowedInactivity
	}
	return setup.HeartbeatInterval * healthFactor
}
