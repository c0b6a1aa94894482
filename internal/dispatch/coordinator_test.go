package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

type captured struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu     sync.Mutex
	events []captured
	dead   bool
}

func (c *fakeChannel) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return errors.New("connection closed")
	}
	c.events = append(c.events, captured{event, payload})
	return nil
}

func (c *fakeChannel) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (c *fakeChannel) find(event string) (captured, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.event == event {
			return e, true
		}
	}
	return captured{}, false
}

func (c *fakeChannel) waitFor(t *testing.T, event string) captured {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := c.find(event); ok {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %q never arrived", event)
	return captured{}
}

type harness struct {
	coord *Coordinator
	store *storage.MemoryStore
	geo   *geo.MemIndex
	reg   *session.MemRegistry
	rider *fakeChannel
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	g := geo.NewMemIndex()
	reg := session.NewMemRegistry()
	rl := relay.New(reg, nil)
	m := trip.NewMachine(store, g, nil, nil)
	rider := &fakeChannel{}
	reg.Register(session.KindRider, "r1", rider)
	return &harness{
		coord: NewCoordinator(g, m, reg, rl, cfg, nil),
		store: store,
		geo:   g,
		reg:   reg,
		rider: rider,
	}
}

func fastConfig() Config {
	return Config{
		MaxCandidates: 5,
		RadiusMeters:  geo.DefaultRadiusMeters,
		OfferTimeout:  40 * time.Millisecond,
		RetryCount:    0,
		RetryDelay:    10 * time.Millisecond,
	}
}

func (h *harness) seedTrip(t *testing.T, id string) *models.Trip {
	t.Helper()
	tr, err := h.coord.Machine.Create(id, trip.CreateParams{
		RiderID:      "r1",
		VehicleClass: models.VehicleCar,
		Pickup:       models.Place{Coord: models.Coord{Lat: 0.001, Lng: 0.001}},
		Fare:         models.Fare{Total: 250, Currency: "INR"},
	})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	return tr
}

func (h *harness) seedDriver(id string) *fakeChannel {
	h.geo.Upsert(models.Driver{ID: id, VehicleClass: models.VehicleCar, Loc: models.Coord{Lat: 0.001, Lng: 0.001}, Status: models.DriverAvailable})
	ch := &fakeChannel{}
	h.reg.Register(session.KindDriver, id, ch)
	return ch
}

func (h *harness) driverStatus(t *testing.T, id string) models.DriverStatus {
	t.Helper()
	d, ok := h.geo.Get(id)
	if !ok {
		t.Fatalf("driver %s missing from index", id)
	}
	return d.Status
}

func TestBeginFansOutOffers(t *testing.T) {
	h := newHarness(t, fastConfig())
	d1 := h.seedDriver("d1")
	d2 := h.seedDriver("d2")
	tr := h.seedTrip(t, "t1")

	h.coord.Begin(tr)

	for name, ch := range map[string]*fakeChannel{"d1": d1, "d2": d2} {
		e, ok := ch.find(session.EventRideRequest)
		if !ok {
			t.Fatalf("driver %s got no offer", name)
		}
		p := e.payload.(map[string]any)
		if p["tripId"] != "t1" {
			t.Fatalf("offer for wrong trip: %v", p["tripId"])
		}
		if p["fare"] != 250.0 {
			t.Fatalf("offer fare = %v, want 250", p["fare"])
		}
	}
	if h.driverStatus(t, "d1") != models.DriverOffered || h.driverStatus(t, "d2") != models.DriverOffered {
		t.Fatal("offered drivers not marked offered in the index")
	}
	h.coord.Stop("t1")
}

func TestAcceptFirstWinsReleasesLosers(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.seedDriver("d1")
	h.seedDriver("d2")
	tr := h.seedTrip(t, "t1")
	h.coord.Begin(tr)

	got, err := h.coord.Accept(context.Background(), "t1", "d2")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != models.StatusAssigned || got.DriverID != "d2" {
		t.Fatalf("unexpected trip: %+v", got)
	}
	if h.driverStatus(t, "d2") != models.DriverBusy {
		t.Fatalf("winner status = %s, want busy", h.driverStatus(t, "d2"))
	}
	if h.driverStatus(t, "d1") != models.DriverAvailable {
		t.Fatalf("loser status = %s, want available", h.driverStatus(t, "d1"))
	}

	e := h.rider.waitFor(t, session.EventDriverAssigned)
	p := e.payload.(map[string]any)
	if p["otp"] != got.OTP || len(got.OTP) != 4 {
		t.Fatalf("rider payload otp = %v, trip otp = %q", p["otp"], got.OTP)
	}
	if p["driver"].(map[string]any)["id"] != "d2" {
		t.Fatalf("rider payload driver = %v", p["driver"])
	}

	// the race is settled; a late accept changes nothing
	if _, err := h.coord.Accept(context.Background(), "t1", "d1"); !errors.Is(err, trip.ErrRaceLost) {
		t.Fatalf("late accept: %v, want ErrRaceLost", err)
	}
	cur, _ := h.store.GetTrip("t1")
	if cur.DriverID != "d2" {
		t.Fatalf("late accept mutated the trip: %+v", cur)
	}
}

// An offer timer can fire in the window between the machine's
// compare-and-set and the acceptance's cascade teardown. It must leave
// the assigned trip and its driver alone.
func TestStaleTimerLeavesAssignedTripUntouched(t *testing.T) {
	cfg := fastConfig()
	cfg.OfferTimeout = 5 * time.Second
	h := newHarness(t, cfg)
	h.seedDriver("d1")
	tr := h.seedTrip(t, "t1")
	h.coord.Begin(tr)

	// acceptance has hit the store, teardown has not run yet
	if _, err := h.coord.Machine.Assign("t1", "d1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	h.coord.onTimer("t1", 1)

	if h.driverStatus(t, "d1") != models.DriverBusy {
		t.Fatalf("timer released the assigned driver: status = %s, want busy", h.driverStatus(t, "d1"))
	}
	cur, _ := h.store.GetTrip("t1")
	if cur.Status != models.StatusAssigned || cur.DriverID != "d1" {
		t.Fatalf("timer disturbed the assigned trip: %+v", cur)
	}
	if cur.CancellationFee != 0 || cur.CancellationReason != "" {
		t.Fatalf("timer charged the rider: %+v", cur)
	}
	if _, ok := h.rider.find(session.EventTripCancelled); ok {
		t.Fatal("rider was told an assigned trip was cancelled")
	}
}

// A round that starts against a stale searching snapshot must observe
// the store's assignment and settle instead of offering or cancelling.
func TestRoundObservesAssignmentAndSettles(t *testing.T) {
	h := newHarness(t, fastConfig()) // zero retry budget
	h.seedDriver("d1")
	tr := h.seedTrip(t, "t1")

	if _, err := h.coord.Machine.Assign("t1", "d1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	h.coord.Begin(tr) // snapshot still says searching

	cur, _ := h.store.GetTrip("t1")
	if cur.Status != models.StatusAssigned || cur.DriverID != "d1" {
		t.Fatalf("round disturbed a claimed trip: %+v", cur)
	}
	if h.driverStatus(t, "d1") != models.DriverBusy {
		t.Fatalf("winner status = %s, want busy", h.driverStatus(t, "d1"))
	}
	if len(h.rider.events) != 0 {
		t.Fatalf("rider notified for a settled cascade: %+v", h.rider.events)
	}
}

func TestRejectAdvancesRoundWithExclusion(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxCandidates = 1
	cfg.OfferTimeout = 5 * time.Second // responses, not timers, drive this test
	h := newHarness(t, cfg)
	d1 := h.seedDriver("d1")
	d2 := h.seedDriver("d2")
	tr := h.seedTrip(t, "t1")
	h.coord.Begin(tr)

	if d1.count(session.EventRideRequest) != 1 || d2.count(session.EventRideRequest) != 0 {
		t.Fatal("round 1 should offer only the nearest driver")
	}

	h.coord.Reject("t1", "d1")

	if d2.count(session.EventRideRequest) != 1 {
		t.Fatal("rejection did not advance to the next candidate")
	}
	if d1.count(session.EventRideRequest) != 1 {
		t.Fatal("rejected driver was re-offered the same trip")
	}
	if h.driverStatus(t, "d1") != models.DriverAvailable {
		t.Fatalf("rejected driver status = %s, want available", h.driverStatus(t, "d1"))
	}
	h.coord.Stop("t1")
}

func TestOfferTimeoutAdvancesAndExhausts(t *testing.T) {
	h := newHarness(t, fastConfig())
	d1 := h.seedDriver("d1")
	tr := h.seedTrip(t, "t1")
	h.coord.Begin(tr)

	if d1.count(session.EventRideRequest) != 1 {
		t.Fatal("driver got no offer")
	}

	// no response: the offer times out, the pool is empty, the retry
	// budget is zero, so the trip cancels
	e := h.rider.waitFor(t, session.EventTripCancelled)
	p := e.payload.(map[string]any)
	if p["reason"] != NoDriversReason {
		t.Fatalf("reason = %v, want %q", p["reason"], NoDriversReason)
	}
	cur, _ := h.store.GetTrip("t1")
	if cur.Status != models.StatusCancelled || cur.CancellationReason != NoDriversReason {
		t.Fatalf("trip not cancelled with no-drivers reason: %+v", cur)
	}
	if cur.CancelledBy != models.CancelledBySystem {
		t.Fatalf("cancelled by %q, want system", cur.CancelledBy)
	}
	if h.driverStatus(t, "d1") != models.DriverAvailable {
		t.Fatalf("timed-out driver status = %s, want available", h.driverStatus(t, "d1"))
	}
	if _, ok := h.rider.find(session.EventNoDrivers); !ok {
		t.Fatal("rider was never told no drivers were nearby")
	}
}

func TestNoCandidatesAtAllCancelsImmediately(t *testing.T) {
	h := newHarness(t, fastConfig())
	tr := h.seedTrip(t, "t1")

	h.coord.Begin(tr) // synchronous with RetryCount 0

	if _, ok := h.rider.find(session.EventNoDrivers); !ok {
		t.Fatal("missing no-drivers notice")
	}
	if _, ok := h.rider.find(session.EventTripCancelled); !ok {
		t.Fatal("missing cancellation notice")
	}
	cur, _ := h.store.GetTrip("t1")
	if cur.Status != models.StatusCancelled || cur.CancellationFee != 0 {
		t.Fatalf("searching-stage cancel must be free: %+v", cur)
	}
}

func TestEmptyRoundRetriesBeforeGivingUp(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryCount = 2
	h := newHarness(t, cfg)
	tr := h.seedTrip(t, "t1")

	h.coord.Begin(tr)
	h.rider.waitFor(t, session.EventTripCancelled)

	if n := h.rider.count(session.EventNoDrivers); n != 3 {
		t.Fatalf("no-drivers notices = %d, want 3 (initial round plus 2 retries)", n)
	}
}

func TestDeadChannelTreatedAsRejection(t *testing.T) {
	cfg := fastConfig()
	cfg.OfferTimeout = 5 * time.Second
	h := newHarness(t, cfg)
	dead := h.seedDriver("d1")
	dead.dead = true
	live := h.seedDriver("d2")
	tr := h.seedTrip(t, "t1")

	h.coord.Begin(tr)

	if live.count(session.EventRideRequest) != 1 {
		t.Fatal("live driver got no offer")
	}
	if h.driverStatus(t, "d1") != models.DriverAvailable {
		t.Fatalf("dead-channel driver status = %s, want available", h.driverStatus(t, "d1"))
	}
	h.coord.Stop("t1")
}

func TestStopReleasesOfferedDrivers(t *testing.T) {
	cfg := fastConfig()
	cfg.OfferTimeout = 5 * time.Second
	h := newHarness(t, cfg)
	h.seedDriver("d1")
	tr := h.seedTrip(t, "t1")
	h.coord.Begin(tr)

	if h.driverStatus(t, "d1") != models.DriverOffered {
		t.Fatal("driver not holding an offer")
	}
	h.coord.Stop("t1")
	if h.driverStatus(t, "d1") != models.DriverAvailable {
		t.Fatalf("driver status after stop = %s, want available", h.driverStatus(t, "d1"))
	}
	// cascade is gone; a duplicate stop is harmless
	h.coord.Stop("t1")
}

func TestBeginIgnoresNonSearchingTrips(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.seedDriver("d1")
	tr := h.seedTrip(t, "t1")
	tr.Status = models.StatusCancelled

	h.coord.Begin(tr)
	if n := h.rider.count(session.EventNoDrivers); n != 0 {
		t.Fatal("cascade ran for a non-searching trip")
	}
}
