package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirihub/sirihub/pkg/datastore"
	"github.com/sirihub/sirihub/pkg/sharedstate"
	"github.com/sirihub/sirihub/pkg/siri"
)

var testBase = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordedPush struct {
	address     string
	payload     []byte
	isHeartbeat bool
}

type fakePusher struct {
	mutex    sync.Mutex
	pushes   []recordedPush
	attempts map[string]int

	// Addresses that fail every push
	failing map[string]bool

	// When set, every push blocks until the channel closes
	gate chan struct{}
}

func (p *fakePusher) Push(ctx context.Context, address string, payload []byte, isHeartbeat bool) error {
	if p.gate != nil {
		<-p.gate
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.attempts[address]++
	if p.failing[address] {
		return errors.New("consumer unreachable")
	}

	p.pushes = append(p.pushes, recordedPush{address: address, payload: payload, isHeartbeat: isHeartbeat})
	return nil
}

func (p *fakePusher) attemptCount(address string) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.attempts[address]
}

func (p *fakePusher) recorded() []recordedPush {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]recordedPush{}, p.pushes...)
}

func (p *fakePusher) forAddress(address string) []recordedPush {
	var matched []recordedPush
	for _, push := range p.recorded() {
		if push.address == address {
			matched = append(matched, push)
		}
	}
	return matched
}

func newTestManager(now *time.Time) (*Manager, *fakePusher) {
	pusher := &fakePusher{failing: map[string]bool{}, attempts: map[string]int{}}
	stores := datastore.NewStores(sharedstate.MemoryFactory())
	manager := NewManager("test-producer", sharedstate.MemoryFactory(), stores, pusher)
	manager.now = func() time.Time { return *now }
	return manager, pusher
}

func testRequest(id string, feedType siri.FeedType) SubscribeRequest {
	return SubscribeRequest{
		SubscriptionID:         id,
		RequestorRef:           "consumer-1",
		ConsumerAddress:        "http://consumer-1/" + id,
		SubscriptionType:       feedType,
		HeartbeatInterval:      time.Minute,
		InitialTerminationTime: testBase.Add(24 * time.Hour),
	}
}

func TestSubscribeValidation(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, _ := newTestManager(&now)

	// Duplicate id checks need an existing subscription
	if outcome, err := manager.Subscribe(ctx, testRequest("sub-taken", siri.VehicleMonitoringFeed)); err != nil || !outcome.Accepted {
		t.Fatalf("seed subscription failed: %+v %v", outcome, err)
	}

	tests := []struct {
		name   string
		mutate func(*SubscribeRequest)
		accept bool
	}{
		{
			name:   "valid request",
			mutate: func(r *SubscribeRequest) {},
			accept: true,
		},
		{
			name: "no address at all",
			mutate: func(r *SubscribeRequest) {
				r.ConsumerAddress = ""
				r.Address = ""
			},
			accept: false,
		},
		{
			name: "address field alone is enough",
			mutate: func(r *SubscribeRequest) {
				r.ConsumerAddress = ""
				r.Address = "http://fallback"
			},
			accept: true,
		},
		{
			name: "termination time in the past",
			mutate: func(r *SubscribeRequest) {
				r.InitialTerminationTime = testBase.Add(-time.Hour)
			},
			accept: false,
		},
		{
			name: "no termination time",
			mutate: func(r *SubscribeRequest) {
				r.InitialTerminationTime = time.Time{}
			},
			accept: false,
		},
		{
			name: "duplicate id with different type",
			mutate: func(r *SubscribeRequest) {
				r.SubscriptionID = "sub-taken"
				r.SubscriptionType = siri.SituationExchangeFeed
			},
			accept: false,
		},
		{
			name: "duplicate id with same type renews",
			mutate: func(r *SubscribeRequest) {
				r.SubscriptionID = "sub-taken"
			},
			accept: true,
		},
	}

	for i, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			request := testRequest("sub-"+string(rune('a'+i)), siri.VehicleMonitoringFeed)
			test.mutate(&request)

			outcome, err := manager.Subscribe(ctx, request)
			if err != nil {
				t.Fatal(err)
			}
			if outcome.Accepted != test.accept {
				t.Errorf("accepted = %v (%s), want %v", outcome.Accepted, outcome.Reason, test.accept)
			}
		})
	}

	manager.Wait()
}

func TestSubscribeClampsHeartbeatInterval(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, _ := newTestManager(&now)

	tests := []struct {
		requested time.Duration
		want      time.Duration
	}{
		{time.Second, minHeartbeatInterval},
		{time.Minute, time.Minute},
		{time.Hour, maxHeartbeatInterval},
	}

	for i, test := range tests {
		request := testRequest("sub-"+string(rune('a'+i)), siri.VehicleMonitoringFeed)
		request.HeartbeatInterval = test.requested

		outcome, err := manager.Subscribe(ctx, request)
		if err != nil || !outcome.Accepted {
			t.Fatalf("subscribe failed: %+v %v", outcome, err)
		}
		if outcome.HeartbeatInterval != test.want {
			t.Errorf("requested %v: clamped to %v, want %v", test.requested, outcome.HeartbeatInterval, test.want)
		}
	}

	manager.Wait()
}

func TestDispatchRespectsTypeAndDataset(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, pusher := newTestManager(&now)

	vmRut := testRequest("vm-rut", siri.VehicleMonitoringFeed)
	vmRut.DatasetID = "RUT"
	vmAtb := testRequest("vm-atb", siri.VehicleMonitoringFeed)
	vmAtb.DatasetID = "ATB"
	sxAll := testRequest("sx-all", siri.SituationExchangeFeed)

	for _, request := range []SubscribeRequest{vmRut, vmAtb, sxAll} {
		if outcome, err := manager.Subscribe(ctx, request); err != nil || !outcome.Accepted {
			t.Fatalf("subscribe failed: %+v %v", outcome, err)
		}
	}
	manager.Wait()

	activity := &siri.VehicleActivity{
		RecordedAtTime: testBase,
		LineRef:        "line-1",
		VehicleRef:     "vehicle-1",
		Longitude:      10.75,
		Latitude:       59.91,
	}
	if err := manager.HandleVehicleActivities(ctx, "RUT", []*siri.VehicleActivity{activity}); err != nil {
		t.Fatal(err)
	}
	manager.Wait()

	if pushes := pusher.forAddress("http://consumer-1/vm-rut"); len(pushes) != 1 {
		t.Fatalf("matching subscriber should receive 1 push, got %d", len(pushes))
	} else {
		var delivery Delivery
		if err := json.Unmarshal(pushes[0].payload, &delivery); err != nil {
			t.Fatal(err)
		}
		if len(delivery.VehicleActivities) != 1 || delivery.ProducerRef != "test-producer" {
			t.Errorf("unexpected delivery %+v", delivery)
		}
	}

	if pushes := pusher.forAddress("http://consumer-1/vm-atb"); len(pushes) != 0 {
		t.Errorf("other-dataset subscriber should receive nothing, got %d", len(pushes))
	}
	if pushes := pusher.forAddress("http://consumer-1/sx-all"); len(pushes) != 0 {
		t.Errorf("other-type subscriber should receive nothing, got %d", len(pushes))
	}
}

func TestSubscribeDeliversInitialSnapshot(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, pusher := newTestManager(&now)

	activity := &siri.VehicleActivity{
		RecordedAtTime: testBase,
		LineRef:        "line-1",
		VehicleRef:     "vehicle-1",
		Longitude:      10.75,
		Latitude:       59.91,
	}
	if _, err := manager.stores.VehicleActivities.Add(ctx, "RUT", activity); err != nil {
		t.Fatal(err)
	}

	if outcome, err := manager.Subscribe(ctx, testRequest("sub-1", siri.VehicleMonitoringFeed)); err != nil || !outcome.Accepted {
		t.Fatalf("subscribe failed: %+v %v", outcome, err)
	}
	manager.Wait()

	pushes := pusher.forAddress("http://consumer-1/sub-1")
	if len(pushes) != 1 {
		t.Fatalf("expected the initial snapshot push, got %d pushes", len(pushes))
	}

	var delivery Delivery
	if err := json.Unmarshal(pushes[0].payload, &delivery); err != nil {
		t.Fatal(err)
	}
	if len(delivery.VehicleActivities) != 1 {
		t.Errorf("snapshot should hold the stored record, got %+v", delivery)
	}
}

func TestSweepSendsHeartbeatOnlyWhenDue(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, pusher := newTestManager(&now)

	if outcome, err := manager.Subscribe(ctx, testRequest("sub-1", siri.VehicleMonitoringFeed)); err != nil || !outcome.Accepted {
		t.Fatalf("subscribe failed: %+v %v", outcome, err)
	}
	manager.Wait()

	if err := manager.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	pushes := pusher.forAddress("http://consumer-1/sub-1")
	if len(pushes) != 1 || !pushes[0].isHeartbeat {
		t.Fatalf("expected one heartbeat push, got %+v", pushes)
	}

	// Heartbeat clock was just set, a second sweep stays quiet
	if err := manager.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if pushes := pusher.forAddress("http://consumer-1/sub-1"); len(pushes) != 1 {
		t.Errorf("second sweep should not push another heartbeat, got %d pushes", len(pushes))
	}
}

func TestDataPushSuppressesHeartbeat(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, pusher := newTestManager(&now)

	if outcome, err := manager.Subscribe(ctx, testRequest("sub-1", siri.VehicleMonitoringFeed)); err != nil || !outcome.Accepted {
		t.Fatalf("subscribe failed: %+v %v", outcome, err)
	}
	manager.Wait()

	activity := &siri.VehicleActivity{
		RecordedAtTime: testBase,
		LineRef:        "line-1",
		VehicleRef:     "vehicle-1",
		Longitude:      10.75,
		Latitude:       59.91,
	}
	if err := manager.HandleVehicleActivities(ctx, "RUT", []*siri.VehicleActivity{activity}); err != nil {
		t.Fatal(err)
	}
	manager.Wait()

	if err := manager.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	for _, push := range pusher.forAddress("http://consumer-1/sub-1") {
		if push.isHeartbeat {
			t.Error("subscriber that just received data must not get a heartbeat")
		}
	}
}

func TestHandleDoesNotBlockOnSlowConsumers(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, pusher := newTestManager(&now)

	if outcome, err := manager.Subscribe(ctx, testRequest("sub-1", siri.VehicleMonitoringFeed)); err != nil || !outcome.Accepted {
		t.Fatalf("subscribe failed: %+v %v", outcome, err)
	}
	manager.Wait()

	pusher.gate = make(chan struct{})

	activity := &siri.VehicleActivity{
		RecordedAtTime: testBase,
		LineRef:        "line-1",
		VehicleRef:     "vehicle-1",
		Longitude:      10.75,
		Latitude:       59.91,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := manager.HandleVehicleActivities(ctx, "RUT", []*siri.VehicleActivity{activity}); err != nil {
			t.Error(err)
		}
	}()

	// The consumer has not accepted anything yet, ingestion must return anyway
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fan-out blocked the ingestion caller")
	}

	close(pusher.gate)
	manager.Wait()

	if pushes := pusher.forAddress("http://consumer-1/sub-1"); len(pushes) != 1 {
		t.Errorf("expected the delivery once the consumer caught up, got %d pushes", len(pushes))
	}
}

func TestSweepRetriesHeartbeatAfterFailedPush(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, pusher := newTestManager(&now)

	if outcome, err := manager.Subscribe(ctx, testRequest("sub-1", siri.VehicleMonitoringFeed)); err != nil || !outcome.Accepted {
		t.Fatalf("subscribe failed: %+v %v", outcome, err)
	}
	manager.Wait()

	pusher.failing["http://consumer-1/sub-1"] = true

	// A failed heartbeat must not start the heartbeat clock
	for i := 0; i < 2; i++ {
		if err := manager.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if attempts := pusher.attemptCount("http://consumer-1/sub-1"); attempts != 2 {
		t.Errorf("each sweep should retry the failed heartbeat, got %d attempts", attempts)
	}

	pusher.failing["http://consumer-1/sub-1"] = false

	// A delivered heartbeat starts the clock, further sweeps stay quiet
	for i := 0; i < 2; i++ {
		if err := manager.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if pushes := pusher.forAddress("http://consumer-1/sub-1"); len(pushes) != 1 {
		t.Errorf("expected exactly one delivered heartbeat, got %d", len(pushes))
	}
}

func TestSweepTerminatesExpiredSubscriptions(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, pusher := newTestManager(&now)

	if outcome, err := manager.Subscribe(ctx, testRequest("sub-1", siri.VehicleMonitoringFeed)); err != nil || !outcome.Accepted {
		t.Fatalf("subscribe failed: %+v %v", outcome, err)
	}
	manager.Wait()

	now = testBase.Add(25 * time.Hour)

	if err := manager.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	manager.Wait()

	if _, found, _ := manager.Get(ctx, "sub-1"); found {
		t.Error("expired subscription should be removed")
	}
	// Expiry is not consumer-requested, no confirmation goes out
	for _, push := range pusher.forAddress("http://consumer-1/sub-1") {
		if !push.isHeartbeat {
			t.Errorf("no pushes expected on expiry termination, got %v", string(push.payload))
		}
	}
}

func TestTerminateRemovesAndConfirms(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, pusher := newTestManager(&now)

	if outcome, err := manager.Subscribe(ctx, testRequest("sub-1", siri.VehicleMonitoringFeed)); err != nil || !outcome.Accepted {
		t.Fatalf("subscribe failed: %+v %v", outcome, err)
	}
	manager.Wait()

	found, err := manager.Terminate(ctx, "sub-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("terminate should report the subscription existed")
	}
	manager.Wait()

	pushes := pusher.forAddress("http://consumer-1/sub-1")
	if len(pushes) != 1 {
		t.Fatalf("expected the termination confirmation, got %d pushes", len(pushes))
	}
	var confirmation TerminationConfirmation
	if err := json.Unmarshal(pushes[0].payload, &confirmation); err != nil {
		t.Fatal(err)
	}
	if confirmation.SubscriptionID != "sub-1" || !confirmation.Status {
		t.Errorf("unexpected confirmation %+v", confirmation)
	}

	// Terminated subscribers receive nothing further
	activity := &siri.VehicleActivity{
		RecordedAtTime: testBase,
		LineRef:        "line-1",
		VehicleRef:     "vehicle-1",
		Longitude:      10.75,
		Latitude:       59.91,
	}
	if err := manager.HandleVehicleActivities(ctx, "RUT", []*siri.VehicleActivity{activity}); err != nil {
		t.Fatal(err)
	}
	manager.Wait()
	if pushes := pusher.forAddress("http://consumer-1/sub-1"); len(pushes) != 1 {
		t.Errorf("terminated subscriber received further pushes: %d", len(pushes))
	}

	if found, _ := manager.Terminate(ctx, "sub-1", true); found {
		t.Error("terminating twice should report not found")
	}
}

func TestCheckStatus(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, pusher := newTestManager(&now)

	if outcome, err := manager.Subscribe(ctx, testRequest("sub-1", siri.VehicleMonitoringFeed)); err != nil || !outcome.Accepted {
		t.Fatalf("subscribe failed: %+v %v", outcome, err)
	}
	manager.Wait()

	found, err := manager.CheckStatus(ctx, "consumer-1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Error("check status should find the requestor's subscription")
	}
	manager.Wait()

	pushes := pusher.forAddress("http://consumer-1/sub-1")
	if len(pushes) != 1 {
		t.Fatalf("expected one status push, got %d", len(pushes))
	}
	var status StatusResponse
	if err := json.Unmarshal(pushes[0].payload, &status); err != nil {
		t.Fatal(err)
	}
	if status.RequestorRef != "consumer-1" || !status.Status {
		t.Errorf("unexpected status response %+v", status)
	}

	if found, _ := manager.CheckStatus(ctx, "stranger"); found {
		t.Error("unknown requestor should not be found")
	}
}

func TestFailTrackerDropsAfterGracePeriod(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, pusher := newTestManager(&now)

	if outcome, err := manager.Subscribe(ctx, testRequest("sub-1", siri.VehicleMonitoringFeed)); err != nil || !outcome.Accepted {
		t.Fatalf("subscribe failed: %+v %v", outcome, err)
	}
	manager.Wait()
	pusher.failing["http://consumer-1/sub-1"] = true

	manager.PushFailed(ctx, "sub-1")
	if _, found, _ := manager.Get(ctx, "sub-1"); !found {
		t.Fatal("a first failure must not drop the subscription")
	}

	// Still inside the grace period
	now = testBase.Add(time.Minute)
	manager.PushFailed(ctx, "sub-1")
	if _, found, _ := manager.Get(ctx, "sub-1"); !found {
		t.Fatal("failures inside the grace period must not drop the subscription")
	}

	now = testBase.Add(6 * time.Minute)
	manager.PushFailed(ctx, "sub-1")
	if _, found, _ := manager.Get(ctx, "sub-1"); found {
		t.Error("persistent failures past the grace period should drop the subscription")
	}
}

func TestPushSucceededResetsFailTracker(t *testing.T) {
	ctx := context.Background()
	now := testBase
	manager, _ := newTestManager(&now)

	if outcome, err := manager.Subscribe(ctx, testRequest("sub-1", siri.VehicleMonitoringFeed)); err != nil || !outcome.Accepted {
		t.Fatalf("subscribe failed: %+v %v", outcome, err)
	}
	manager.Wait()

	manager.PushFailed(ctx, "sub-1")
	manager.PushSucceeded(ctx, "sub-1")

	// The failure clock starts over
	now = testBase.Add(10 * time.Minute)
	manager.PushFailed(ctx, "sub-1")
	if _, found, _ := manager.Get(ctx, "sub-1"); !found {
		t.Error("a fresh first failure after success must not drop the subscription")
	}
}
