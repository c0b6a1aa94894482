package trip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type recordingFinalizer struct {
	finalized int
	released  int
}

func (r *recordingFinalizer) Finalize(context.Context, *models.Trip) error {
	r.finalized++
	return nil
}

func (r *recordingFinalizer) Release(context.Context, *models.Trip) error {
	r.released++
	return nil
}

func newTestMachine(t *testing.T) (*Machine, *storage.MemoryStore, *geo.MemIndex, *recordingFinalizer) {
	t.Helper()
	store := storage.NewMemoryStore()
	g := geo.NewMemIndex()
	fin := &recordingFinalizer{}
	return NewMachine(store, g, fin, nil), store, g, fin
}

func createSearching(t *testing.T, m *Machine, id string) *models.Trip {
	t.Helper()
	tr, err := m.Create(id, CreateParams{
		RiderID:      "r1",
		VehicleClass: models.VehicleCar,
		Pickup:       models.Place{Address: "A", Coord: models.Coord{Lat: 0.001, Lng: 0.001}},
		Drop:         models.Place{Address: "B", Coord: models.Coord{Lat: 0.01, Lng: 0.01}},
		Fare:         models.Fare{Total: 300, Currency: "INR"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return tr
}

func addDriver(g *geo.MemIndex, id string) {
	g.Upsert(models.Driver{ID: id, VehicleClass: models.VehicleCar, Loc: models.Coord{Lat: 0.001, Lng: 0.001}, Status: models.DriverAvailable})
}

func TestCreateStatuses(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	tr := createSearching(t, m, "t1")
	if tr.Status != models.StatusSearching {
		t.Fatalf("status = %s, want searching", tr.Status)
	}
	if tr.DriverID != "" || tr.OTP != "" {
		t.Fatalf("new trip must not carry driver or otp: %+v", tr)
	}

	future := time.Now().Add(2 * time.Hour)
	sched, err := m.Create("t2", CreateParams{
		RiderID:      "r1",
		VehicleClass: models.VehicleAuto,
		ScheduledAt:  &future,
	})
	if err != nil {
		t.Fatalf("create scheduled: %v", err)
	}
	if sched.Status != models.StatusScheduled || !sched.IsScheduled {
		t.Fatalf("future trip status = %s, want scheduled", sched.Status)
	}
}

func TestCreateRejectsUnknownClass(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	if _, err := m.Create("t1", CreateParams{RiderID: "r1", VehicleClass: "tractor"}); err == nil {
		t.Fatal("expected error for unknown vehicle class")
	}
}

func TestActivateScheduled(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	future := time.Now().Add(time.Hour)
	sched, _ := m.Create("t1", CreateParams{RiderID: "r1", VehicleClass: models.VehicleBike, ScheduledAt: &future})

	got, err := m.Activate(sched.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got.Status != models.StatusSearching {
		t.Fatalf("status = %s, want searching", got.Status)
	}
	if _, err := m.Activate(sched.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second activate: %v, want ErrInvalidTransition", err)
	}
}

func TestAssignMintsOTPAndBusiesDriver(t *testing.T) {
	m, _, g, _ := newTestMachine(t)
	createSearching(t, m, "t1")
	addDriver(g, "d1")

	got, err := m.Assign("t1", "d1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Status != models.StatusAssigned || got.DriverID != "d1" {
		t.Fatalf("unexpected trip: %+v", got)
	}
	if len(got.OTP) != 4 || got.OTP < "1000" || got.OTP > "9999" {
		t.Fatalf("otp = %q, want 4 digits", got.OTP)
	}
	if d, _ := g.Get("d1"); d.Status != models.DriverBusy {
		t.Fatalf("driver status = %s, want busy", d.Status)
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	m, store, g, _ := newTestMachine(t)
	createSearching(t, m, "t1")
	for _, id := range []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"} {
		addDriver(g, id)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	raceLost := 0
	for _, id := range []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"} {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			_, err := m.Assign("t1", driverID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, driverID)
			case errors.Is(err, ErrRaceLost):
				raceLost++
			default:
				t.Errorf("unexpected error for %s: %v", driverID, err)
			}
		}(id)
	}
	wg.Wait()

	if len(winners) != 1 || raceLost != 7 {
		t.Fatalf("winners = %v, race lost = %d; want exactly one winner", winners, raceLost)
	}
	tr, _ := store.GetTrip("t1")
	if tr.DriverID != winners[0] || tr.Status != models.StatusAssigned {
		t.Fatalf("stored trip disagrees with winner: %+v", tr)
	}
}

// The driver field and an active status move together: never a driver on
// a searching trip, never an assigned trip without one.
func TestDriverSetIffActive(t *testing.T) {
	m, store, g, _ := newTestMachine(t)
	createSearching(t, m, "t1")
	addDriver(g, "d1")

	tr, _ := store.GetTrip("t1")
	if tr.DriverID != "" {
		t.Fatal("searching trip carries a driver")
	}
	tr, _ = m.Assign("t1", "d1")
	for _, step := range []func() (*models.Trip, error){
		func() (*models.Trip, error) { return m.Arrive("t1", "d1") },
		func() (*models.Trip, error) { return m.Start(context.Background(), "t1", "d1", tr.OTP) },
	} {
		got, err := step()
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if got.DriverID != "d1" || !got.Status.Active() {
			t.Fatalf("active trip lost its driver: %+v", got)
		}
	}
}

func TestStartChecksOTP(t *testing.T) {
	m, _, g, _ := newTestMachine(t)
	createSearching(t, m, "t1")
	addDriver(g, "d1")
	tr, _ := m.Assign("t1", "d1")
	if _, err := m.Arrive("t1", "d1"); err != nil {
		t.Fatalf("arrive: %v", err)
	}

	if _, err := m.Start(context.Background(), "t1", "d1", "0000"); !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("wrong otp: %v, want ErrOTPMismatch", err)
	}
	got, err := m.Start(context.Background(), "t1", "d1", tr.OTP)
	if err != nil {
		t.Fatalf("correct otp: %v", err)
	}
	if got.Status != models.StatusStarted {
		t.Fatalf("status = %s, want started", got.Status)
	}
	if got.OTP != "" || got.OTPAttempts != 0 {
		t.Fatalf("otp not cleared after start: %+v", got)
	}
}

func TestStartOTPExhaustionCancels(t *testing.T) {
	m, store, g, _ := newTestMachine(t)
	createSearching(t, m, "t1")
	addDriver(g, "d1")
	_, _ = m.Assign("t1", "d1")
	_, _ = m.Arrive("t1", "d1")

	for i := 0; i < 2; i++ {
		if _, err := m.Start(context.Background(), "t1", "d1", "0000"); !errors.Is(err, ErrOTPMismatch) {
			t.Fatalf("attempt %d: %v, want ErrOTPMismatch", i+1, err)
		}
	}
	got, err := m.Start(context.Background(), "t1", "d1", "0000")
	if !errors.Is(err, ErrOTPExhausted) {
		t.Fatalf("third attempt: %v, want ErrOTPExhausted", err)
	}
	if got == nil || got.Status != models.StatusCancelled {
		t.Fatalf("trip not cancelled: %+v", got)
	}
	if got.CancellationReason != OTPFailureReason || got.CancelledBy != models.CancelledBySystem {
		t.Fatalf("reason = %q by %q", got.CancellationReason, got.CancelledBy)
	}
	if d, _ := g.Get("d1"); d.Status != models.DriverAvailable {
		t.Fatalf("driver not released: %s", d.Status)
	}
	stored, _ := store.GetTrip("t1")
	if stored.Status != models.StatusCancelled {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestStartRejectsOtherDriver(t *testing.T) {
	m, _, g, _ := newTestMachine(t)
	createSearching(t, m, "t1")
	addDriver(g, "d1")
	tr, _ := m.Assign("t1", "d1")
	_, _ = m.Arrive("t1", "d1")

	if _, err := m.Start(context.Background(), "t1", "d2", tr.OTP); !errors.Is(err, ErrNotTripDriver) {
		t.Fatalf("got %v, want ErrNotTripDriver", err)
	}
}

func TestCompleteCreditsAndFinalizes(t *testing.T) {
	m, store, g, fin := newTestMachine(t)
	createSearching(t, m, "t1")
	addDriver(g, "d1")
	tr, _ := m.Assign("t1", "d1")
	_, _ = m.Arrive("t1", "d1")
	_, _ = m.Start(context.Background(), "t1", "d1", tr.OTP)

	got, err := m.Complete(context.Background(), "t1", "d1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != models.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected trip: %+v", got)
	}
	if d, _ := g.Get("d1"); d.Status != models.DriverAvailable {
		t.Fatalf("driver not released: %s", d.Status)
	}
	trips, earnings := store.DriverStats("d1")
	if trips != 1 || earnings != 300 {
		t.Fatalf("stats = (%d, %v), want (1, 300)", trips, earnings)
	}
	if fin.finalized != 1 {
		t.Fatalf("finalize calls = %d, want 1", fin.finalized)
	}
}

func TestCancelFeeByStage(t *testing.T) {
	m, _, g, fin := newTestMachine(t)
	addDriver(g, "d1")

	// free while still searching
	createSearching(t, m, "free")
	got, err := m.Cancel(context.Background(), "free", models.CancelledByRider, "changed my mind")
	if err != nil {
		t.Fatalf("cancel searching: %v", err)
	}
	if got.CancellationFee != 0 {
		t.Fatalf("fee = %v, want 0", got.CancellationFee)
	}

	// 10% of 300 once a driver is assigned
	createSearching(t, m, "paid")
	_, _ = m.Assign("paid", "d1")
	got, err = m.Cancel(context.Background(), "paid", models.CancelledByRider, "")
	if err != nil {
		t.Fatalf("cancel assigned: %v", err)
	}
	if got.CancellationFee != 30 {
		t.Fatalf("fee = %v, want 30", got.CancellationFee)
	}
	if d, _ := g.Get("d1"); d.Status != models.DriverAvailable {
		t.Fatalf("driver not released: %s", d.Status)
	}
	if fin.released != 2 {
		t.Fatalf("release calls = %d, want 2", fin.released)
	}
}

func TestCancelSearchingOnlyFromSearching(t *testing.T) {
	m, _, g, _ := newTestMachine(t)
	createSearching(t, m, "t1")

	got, err := m.CancelSearching(context.Background(), "t1", "no drivers available")
	if err != nil {
		t.Fatalf("cancel searching: %v", err)
	}
	if got.Status != models.StatusCancelled || got.CancelledBy != models.CancelledBySystem {
		t.Fatalf("unexpected trip: %+v", got)
	}
	if got.CancellationFee != 0 {
		t.Fatalf("fee = %v, want 0", got.CancellationFee)
	}

	// an assigned trip is off limits: the acceptance won
	createSearching(t, m, "t2")
	addDriver(g, "d1")
	_, _ = m.Assign("t2", "d1")
	if _, err := m.CancelSearching(context.Background(), "t2", "no drivers available"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	cur, _ := m.Store.GetTrip("t2")
	if cur.Status != models.StatusAssigned || cur.DriverID != "d1" {
		t.Fatalf("losing cancel mutated the trip: %+v", cur)
	}
	if d, _ := g.Get("d1"); d.Status != models.DriverBusy {
		t.Fatalf("driver status = %s, want busy", d.Status)
	}
}

func TestCancelNotAllowedAfterStart(t *testing.T) {
	m, _, g, _ := newTestMachine(t)
	createSearching(t, m, "t1")
	addDriver(g, "d1")
	tr, _ := m.Assign("t1", "d1")
	_, _ = m.Arrive("t1", "d1")
	_, _ = m.Start(context.Background(), "t1", "d1", tr.OTP)

	if _, err := m.Cancel(context.Background(), "t1", models.CancelledByRider, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel started trip: %v, want ErrInvalidTransition", err)
	}
	if _, err := m.Cancel(context.Background(), "t1", models.CancelledByDriver, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("driver cancel started trip: %v, want ErrInvalidTransition", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	m, _, g, _ := newTestMachine(t)
	createSearching(t, m, "t1")
	addDriver(g, "d1")

	if _, err := m.Arrive("t1", "d1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("arrive before assign: %v", err)
	}
	if _, err := m.Start(context.Background(), "t1", "d1", "1234"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start before arrive: %v", err)
	}
	if _, err := m.Complete(context.Background(), "t1", "d1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete before start: %v", err)
	}
	if _, err := m.Assign("missing", "d1"); !errors.Is(err, ErrTripNotFound) {
		t.Fatalf("assign missing trip: %v", err)
	}
}
