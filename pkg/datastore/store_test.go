package datastore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirihub/sirihub/pkg/sharedstate"
	"github.com/sirihub/sirihub/pkg/siri"
)

var testBase = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// newTestStores builds memory-backed stores whose clock, including the
// backing maps' TTL clock, follows *now
func newTestStores(now *time.Time) *Stores {
	clock := func() time.Time { return *now }

	factory := func(collection string) sharedstate.Map {
		m := sharedstate.NewMemoryMap()
		m.Now = clock
		return m
	}

	stores := NewStores(factory)
	stores.Situations.now = clock
	stores.VehicleActivities.now = clock
	stores.EstimatedTimetables.now = clock
	stores.ProductionTimetables.now = clock

	return stores
}

func testActivity(vehicleRef string, recordedAt time.Time) *siri.VehicleActivity {
	return &siri.VehicleActivity{
		RecordedAtTime: recordedAt,
		LineRef:        "line-1",
		VehicleRef:     vehicleRef,
		Longitude:      10.75,
		Latitude:       59.91,
	}
}

func TestAddDeduplicatesByRecency(t *testing.T) {
	ctx := context.Background()
	now := testBase
	stores := newTestStores(&now)
	store := stores.VehicleActivities

	first := testActivity("vehicle-1", testBase)
	result, err := store.Add(ctx, "RUT", first)
	if err != nil {
		t.Fatal(err)
	}
	if result != ResultAdded {
		t.Errorf("first add = %v, want %v", result, ResultAdded)
	}

	// Same recency marker does not supersede
	duplicate := testActivity("vehicle-1", testBase)
	if result, _ = store.Add(ctx, "RUT", duplicate); result != ResultIgnoredStale {
		t.Errorf("equal-recency add = %v, want %v", result, ResultIgnoredStale)
	}

	older := testActivity("vehicle-1", testBase.Add(-time.Minute))
	if result, _ = store.Add(ctx, "RUT", older); result != ResultIgnoredStale {
		t.Errorf("older add = %v, want %v", result, ResultIgnoredStale)
	}

	newer := testActivity("vehicle-1", testBase.Add(time.Minute))
	if result, _ = store.Add(ctx, "RUT", newer); result != ResultUpdated {
		t.Errorf("newer add = %v, want %v", result, ResultUpdated)
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one stored record, got %d", len(all))
	}
	if !all[0].RecordedAtTime.Equal(testBase.Add(time.Minute)) {
		t.Errorf("stored record is not the newest one: %v", all[0].RecordedAtTime)
	}
}

func TestAddRejectsMalformedActivities(t *testing.T) {
	ctx := context.Background()
	now := testBase
	store := newTestStores(&now).VehicleActivities

	tests := []struct {
		name     string
		activity *siri.VehicleActivity
	}{
		{
			name: "missing vehicle ref",
			activity: &siri.VehicleActivity{
				RecordedAtTime: testBase,
				LineRef:        "line-1",
				Longitude:      10.75,
				Latitude:       59.91,
			},
		},
		{
			name: "zeroed location",
			activity: &siri.VehicleActivity{
				RecordedAtTime: testBase,
				LineRef:        "line-1",
				VehicleRef:     "vehicle-1",
			},
		},
		{
			name: "no line, course or direction",
			activity: &siri.VehicleActivity{
				RecordedAtTime: testBase,
				VehicleRef:     "vehicle-1",
				Longitude:      10.75,
				Latitude:       59.91,
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result, err := store.Add(ctx, "RUT", test.activity)
			if err != nil {
				t.Fatal(err)
			}
			if result != ResultRejected {
				t.Errorf("result = %v, want %v", result, ResultRejected)
			}
		})
	}

	if size, _ := store.Size(ctx); size != 0 {
		t.Errorf("rejected records must not be stored, size = %d", size)
	}
}

func TestAddIgnoresExpiredOnArrival(t *testing.T) {
	ctx := context.Background()
	now := testBase
	store := newTestStores(&now).VehicleActivities

	expired := testActivity("vehicle-1", testBase.Add(-2*time.Hour))
	expired.ValidUntilTime = testBase.Add(-time.Hour)

	result, err := store.Add(ctx, "RUT", expired)
	if err != nil {
		t.Fatal(err)
	}
	if result != ResultIgnoredStale {
		t.Errorf("result = %v, want %v", result, ResultIgnoredStale)
	}
	if size, _ := store.Size(ctx); size != 0 {
		t.Errorf("expired record must not be stored, size = %d", size)
	}
}

func TestSweepExpiredIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := testBase
	store := newTestStores(&now).VehicleActivities

	shortLived := testActivity("vehicle-1", testBase)
	shortLived.ValidUntilTime = testBase.Add(time.Minute)
	longLived := testActivity("vehicle-2", testBase)
	longLived.ValidUntilTime = testBase.Add(time.Hour)

	for _, activity := range []*siri.VehicleActivity{shortLived, longLived} {
		if _, err := store.Add(ctx, "RUT", activity); err != nil {
			t.Fatal(err)
		}
	}

	now = testBase.Add(10 * time.Minute)

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].VehicleRef != "vehicle-2" {
		t.Fatalf("expected only the long-lived record, got %v", all)
	}

	// Sweeping again finds nothing further to remove
	removed, err := store.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("second sweep removed %d records, want 0", removed)
	}
}

func TestGetAllUpdatesDeltaCursor(t *testing.T) {
	ctx := context.Background()
	now := testBase
	store := newTestStores(&now).VehicleActivities

	if _, err := store.Add(ctx, "RUT", testActivity("vehicle-1", testBase)); err != nil {
		t.Fatal(err)
	}

	// First poll of an unknown requestor returns the full snapshot
	first, err := store.GetAllUpdates(ctx, "requestor-a", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("first poll should return full snapshot, got %d records", len(first))
	}

	// No intervening writes, nothing to deliver
	second, err := store.GetAllUpdates(ctx, "requestor-a", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Errorf("second poll should be empty, got %d records", len(second))
	}

	if _, err := store.Add(ctx, "RUT", testActivity("vehicle-1", testBase.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Add(ctx, "RUT", testActivity("vehicle-2", testBase)); err != nil {
		t.Fatal(err)
	}

	third, err := store.GetAllUpdates(ctx, "requestor-a", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(third) != 2 {
		t.Errorf("third poll should return the two changed records, got %d", len(third))
	}

	// A different requestor starts with its own full snapshot
	other, err := store.GetAllUpdates(ctx, "requestor-b", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 2 {
		t.Errorf("new requestor should get the full snapshot, got %d", len(other))
	}
}

func TestGetAllUpdatesSeesEveryConcurrentAdd(t *testing.T) {
	ctx := context.Background()
	now := testBase
	store := newTestStores(&now).VehicleActivities

	// Register the cursor first so later writes are tracked
	if _, err := store.GetAllUpdates(ctx, "requestor-a", ""); err != nil {
		t.Fatal(err)
	}

	const adds = 200
	var wg sync.WaitGroup
	wg.Add(adds)
	for i := 0; i < adds; i++ {
		go func(i int) {
			defer wg.Done()
			activity := testActivity(fmt.Sprintf("vehicle-%d", i), testBase)
			if _, err := store.Add(ctx, "RUT", activity); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	records, err := store.GetAllUpdates(ctx, "requestor-a", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != adds {
		t.Errorf("delta poll returned %d of %d changed records", len(records), adds)
	}
}

func TestGetAllUpdatesDatasetScoping(t *testing.T) {
	ctx := context.Background()
	now := testBase
	store := newTestStores(&now).VehicleActivities

	// Register the cursor first so later writes are tracked
	if _, err := store.GetAllUpdates(ctx, "requestor-a", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Add(ctx, "RUT", testActivity("vehicle-1", testBase)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Add(ctx, "ATB", testActivity("vehicle-2", testBase)); err != nil {
		t.Fatal(err)
	}

	scoped, err := store.GetAllUpdates(ctx, "requestor-a", "RUT")
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 || scoped[0].VehicleRef != "vehicle-1" {
		t.Fatalf("expected only the RUT record, got %v", scoped)
	}

	// The ATB change is still pending for this requestor
	rest, err := store.GetAllUpdates(ctx, "requestor-a", "ATB")
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].VehicleRef != "vehicle-2" {
		t.Fatalf("expected the pending ATB record, got %v", rest)
	}
}

func TestGetAllUpdatesDropsLapsedRequestors(t *testing.T) {
	ctx := context.Background()
	now := testBase
	store := newTestStores(&now).VehicleActivities

	if _, err := store.GetAllUpdates(ctx, "requestor-a", ""); err != nil {
		t.Fatal(err)
	}

	// Requestor stops polling past the tracking period
	now = testBase.Add(defaultTrackingPeriod + time.Minute)

	if _, err := store.Add(ctx, "RUT", testActivity("vehicle-1", now)); err != nil {
		t.Fatal(err)
	}

	// Coming back, the requestor is treated as new and gets a full snapshot
	records, err := store.GetAllUpdates(ctx, "requestor-a", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("lapsed requestor should get the full snapshot, got %d records", len(records))
	}
}

func TestClearDataset(t *testing.T) {
	ctx := context.Background()
	now := testBase
	store := newTestStores(&now).VehicleActivities

	if _, err := store.Add(ctx, "RUT", testActivity("vehicle-1", testBase)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Add(ctx, "ATB", testActivity("vehicle-2", testBase)); err != nil {
		t.Fatal(err)
	}

	if err := store.Clear(ctx, "RUT"); err != nil {
		t.Fatal(err)
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].VehicleRef != "vehicle-2" {
		t.Fatalf("expected only the ATB record to survive, got %v", all)
	}
}

func TestSituationStoreKeysOnNumberAndParticipant(t *testing.T) {
	ctx := context.Background()
	now := testBase
	store := newTestStores(&now).Situations

	situation := func(number, participant string, versionedAt time.Time) *siri.Situation {
		return &siri.Situation{
			SituationNumber: number,
			ParticipantRef:  participant,
			VersionedAtTime: versionedAt,
		}
	}

	if result, _ := store.Add(ctx, "RUT", situation("sit-1", "ENT", testBase)); result != ResultAdded {
		t.Errorf("expected %v, got %v", ResultAdded, result)
	}
	// Same number under a different participant is a different situation
	if result, _ := store.Add(ctx, "RUT", situation("sit-1", "OTHER", testBase)); result != ResultAdded {
		t.Errorf("expected %v, got %v", ResultAdded, result)
	}
	if result, _ := store.Add(ctx, "RUT", situation("sit-1", "ENT", testBase.Add(time.Minute))); result != ResultUpdated {
		t.Errorf("expected %v, got %v", ResultUpdated, result)
	}

	if result, _ := store.Add(ctx, "RUT", situation("", "ENT", testBase)); result != ResultRejected {
		t.Errorf("situation without number should be rejected, got %v", result)
	}

	if size, _ := store.Size(ctx); size != 2 {
		t.Errorf("expected 2 situations, got %d", size)
	}
}

func TestProductionTimetableReplacesByVersion(t *testing.T) {
	ctx := context.Background()
	now := testBase
	store := newTestStores(&now).ProductionTimetables

	timetable := func(version string, at time.Time) *siri.ProductionTimetable {
		return &siri.ProductionTimetable{
			Version:           version,
			ResponseTimestamp: at,
		}
	}

	if result, _ := store.Add(ctx, "RUT", timetable("2024-05", testBase)); result != ResultAdded {
		t.Errorf("expected %v, got %v", ResultAdded, result)
	}
	if result, _ := store.Add(ctx, "RUT", timetable("2024-05", testBase.Add(time.Hour))); result != ResultUpdated {
		t.Errorf("same version with newer timestamp should supersede, got %v", result)
	}
	if result, _ := store.Add(ctx, "RUT", timetable("2024-06", testBase)); result != ResultAdded {
		t.Errorf("new version should be added, got %v", result)
	}

	if result, _ := store.Add(ctx, "RUT", timetable("", testBase)); result != ResultRejected {
		t.Errorf("timetable without version should be rejected, got %v", result)
	}
}

func TestEstimatedTimetableAddAll(t *testing.T) {
	ctx := context.Background()
	now := testBase
	store := newTestStores(&now).EstimatedTimetables

	journey := func(journeyRef string, recordedAt time.Time) *siri.EstimatedVehicleJourney {
		return &siri.EstimatedVehicleJourney{
			RecordedAtTime:         recordedAt,
			OperatorRef:            "OP",
			LineRef:                "line-1",
			DatedVehicleJourneyRef: journeyRef,
			EstimatedCalls: []siri.EstimatedCall{
				{StopPointRef: "stop-1", ExpectedArrivalTime: testBase.Add(time.Hour)},
			},
		}
	}

	changed, err := store.AddAll(ctx, "RUT", []*siri.EstimatedVehicleJourney{
		journey("journey-1", testBase),
		journey("journey-2", testBase),
		journey("journey-1", testBase.Add(-time.Minute)), // loses to the first
		{RecordedAtTime: testBase, OperatorRef: "OP", LineRef: "line-1", DatedVehicleJourneyRef: "no-calls"},
		nil,
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(changed) != 2 {
		t.Errorf("expected 2 changed journeys, got %d", len(changed))
	}
	if size, _ := store.Size(ctx); size != 2 {
		t.Errorf("expected 2 stored journeys, got %d", size)
	}
}
