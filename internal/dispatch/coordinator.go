package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/trip"
)

// NoDriversReason is recorded on trips cancelled after the cascade and
// every retry round come up empty.
const NoDriversReason = "no drivers available"

// Config bounds one dispatch cascade.
type Config struct {
	MaxCandidates int           // offers fanned out per round
	RadiusMeters  float64       // candidate search radius
	OfferTimeout  time.Duration // server-side bound on driver response
	RetryCount    int           // empty-candidate rounds before giving up
	RetryDelay    time.Duration // pause between empty rounds
}

// DefaultConfig mirrors the client-side behavior: 5 drivers per round,
// 8 second offers.
func DefaultConfig() Config {
	return Config{
		MaxCandidates: 5,
		RadiusMeters:  geo.DefaultRadiusMeters,
		OfferTimeout:  8 * time.Second,
		RetryCount:    3,
		RetryDelay:    5 * time.Second,
	}
}

// Coordinator runs the offer cascade for each searching trip: query the
// geo index, fan the offer out to a bounded batch of drivers, apply the
// response/timeout policy, and drive the state machine forward on the
// first acceptance. Events for different trips proceed independently;
// everything for one trip is funneled through its cascade under the
// coordinator lock, and the final word on acceptance is the machine's
// atomic compare-and-set.
type Coordinator struct {
	Geo      geo.Index
	Machine  *trip.Machine
	Registry session.Registry
	Relay    *relay.Relay
	Logger   *slog.Logger
	Cfg      Config

	mu     sync.Mutex
	active map[string]*cascade
}

type cascade struct {
	trip      *models.Trip
	rejected  map[string]bool // drivers excluded from later rounds
	offered   map[string]bool // drivers holding a live offer this round
	round     int             // bumped per round so stale timers no-op
	retries   int             // empty rounds consumed
	startedAt time.Time
	timer     *time.Timer
}

func NewCoordinator(g geo.Index, m *trip.Machine, reg session.Registry, rl *relay.Relay, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.MaxCandidates <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		Geo:      g,
		Machine:  m,
		Registry: reg,
		Relay:    rl,
		Logger:   logger,
		Cfg:      cfg,
		active:   make(map[string]*cascade),
	}
}

// Begin starts the cascade for a priced trip in searching state.
func (c *Coordinator) Begin(t *models.Trip) {
	if t.Status != models.StatusSearching {
		return
	}
	c.mu.Lock()
	if _, ok := c.active[t.ID]; ok {
		c.mu.Unlock()
		return
	}
	cas := &cascade{
		trip:      t,
		rejected:  make(map[string]bool),
		offered:   make(map[string]bool),
		startedAt: time.Now(),
	}
	c.active[t.ID] = cas
	c.runRound(cas)
	c.mu.Unlock()
}

// runRound must be called with c.mu held.
func (c *Coordinator) runRound(cas *cascade) {
	if c.tripSettled(cas.trip.ID) {
		c.settleLocked(cas)
		return
	}
	cas.round++
	round := cas.round
	t := cas.trip

	candidates := c.nearest(t, cas.rejected)
	if len(candidates) == 0 {
		c.notifyRider(t.RiderID, session.EventNoDrivers, map[string]any{"message": "No drivers nearby"})
		if cas.retries >= c.Cfg.RetryCount {
			c.failLocked(cas)
			return
		}
		cas.retries++
		c.Logger.Info("no candidates, retrying", "trip_id", t.ID, "retry", cas.retries)
		cas.timer = time.AfterFunc(c.Cfg.RetryDelay, func() { c.onTimer(t.ID, round) })
		return
	}

	expires := time.Now().Add(c.Cfg.OfferTimeout)
	payload := offerPayload(t, expires)
	for _, d := range candidates {
		cas.offered[d.ID] = true
		c.Geo.SetAvailability(d.ID, models.DriverOffered)
		if err := c.Registry.Send(session.KindDriver, d.ID, session.EventRideRequest, payload); err != nil {
			// treat a dead channel like a rejection for this round
			c.Logger.Warn("offer delivery failed", "trip_id", t.ID, "driver_id", d.ID, "error", err)
			delete(cas.offered, d.ID)
			cas.rejected[d.ID] = true
			c.Geo.SetAvailability(d.ID, models.DriverAvailable)
			continue
		}
		observability.OffersTotal.Inc()
		c.Logger.Info("offer sent", "trip_id", t.ID, "driver_id", d.ID, "round", round)
	}
	if len(cas.offered) == 0 {
		// every send failed; spin the round again through the timer path
		cas.timer = time.AfterFunc(c.Cfg.RetryDelay, func() { c.onTimer(t.ID, round) })
		return
	}
	cas.timer = time.AfterFunc(c.Cfg.OfferTimeout, func() { c.onTimer(t.ID, round) })
}

// nearest degrades index errors to an empty round; the cascade retries
// rather than dying mid-flight.
func (c *Coordinator) nearest(t *models.Trip, exclude map[string]bool) []models.Driver {
	defer func() {
		if rec := recover(); rec != nil {
			c.Logger.Error("geo query panic", "trip_id", t.ID, "error", rec)
		}
	}()
	return c.Geo.Nearest(t.Pickup.Coord, t.VehicleClass, c.Cfg.RadiusMeters, c.Cfg.MaxCandidates, exclude)
}

// onTimer fires for both offer expiry and empty-round retries. A stale
// round number means the cascade has already moved on; a trip the store
// says has left searching must not be touched, because an acceptance
// may have landed between the machine's CAS and its cascade teardown.
func (c *Coordinator) onTimer(tripID string, round int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cas, ok := c.active[tripID]
	if !ok || cas.round != round {
		return
	}
	if c.tripSettled(tripID) {
		c.settleLocked(cas)
		return
	}
	for id := range cas.offered {
		cas.rejected[id] = true
		c.Geo.SetAvailability(id, models.DriverAvailable)
		observability.OfferTimeoutsTotal.Inc()
	}
	cas.offered = make(map[string]bool)
	c.runRound(cas)
}

// Accept resolves a driver's acceptance. The machine's compare-and-set
// is the one source of truth: the first caller wins, every later one
// gets ErrRaceLost and no state moves.
func (c *Coordinator) Accept(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	t, err := c.Machine.Assign(tripID, driverID)
	if err != nil {
		if errors.Is(err, trip.ErrRaceLost) {
			observability.RaceLostTotal.Inc()
		}
		return nil, err
	}
	observability.MatchesTotal.Inc()

	c.mu.Lock()
	if cas, ok := c.active[tripID]; ok {
		if cas.timer != nil {
			cas.timer.Stop()
		}
		for id := range cas.offered {
			if id != driverID {
				c.Geo.SetAvailability(id, models.DriverAvailable)
			}
		}
		observability.MatchLatency.Observe(time.Since(cas.startedAt).Seconds())
		delete(c.active, tripID)
	}
	c.mu.Unlock()

	c.Relay.Activate(t)
	c.notifyRider(t.RiderID, session.EventDriverAssigned, map[string]any{
		"tripId": t.ID,
		"status": t.Status,
		"driver": map[string]any{"id": t.DriverID},
		"otp":    t.OTP,
	})
	return t, nil
}

// Reject records a driver's explicit rejection and advances the cascade
// once the whole round has answered.
func (c *Coordinator) Reject(tripID, driverID string) {
	observability.RejectsTotal.Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	cas, ok := c.active[tripID]
	if !ok {
		return
	}
	if cas.offered[driverID] {
		delete(cas.offered, driverID)
		c.Geo.SetAvailability(driverID, models.DriverAvailable)
	}
	cas.rejected[driverID] = true
	c.Logger.Info("offer rejected", "trip_id", tripID, "driver_id", driverID)
	if len(cas.offered) == 0 {
		if cas.timer != nil {
			cas.timer.Stop()
		}
		c.runRound(cas)
	}
}

// Stop tears down the cascade when the trip leaves searching through
// some other path (rider cancel, scheduler). Offered drivers are
// released so the pool is never left partially reserved.
func (c *Coordinator) Stop(tripID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cas, ok := c.active[tripID]
	if !ok {
		return
	}
	if cas.timer != nil {
		cas.timer.Stop()
	}
	for id := range cas.offered {
		c.Geo.SetAvailability(id, models.DriverAvailable)
	}
	delete(c.active, tripID)
}

// failLocked cancels the trip after the retry budget is spent. Called
// with c.mu held. The searching-only cancel is the arbiter: if an
// acceptance got there first, the cascade is torn down without touching
// the trip or the winning driver.
func (c *Coordinator) failLocked(cas *cascade) {
	t := cas.trip
	if cas.timer != nil {
		cas.timer.Stop()
	}

	cancelled, err := c.Machine.CancelSearching(context.Background(), t.ID, NoDriversReason)
	if err != nil {
		c.Logger.Warn("cascade failure cancel skipped", "trip_id", t.ID, "error", err)
		c.settleLocked(cas)
		return
	}
	for id := range cas.offered {
		c.Geo.SetAvailability(id, models.DriverAvailable)
	}
	delete(c.active, t.ID)
	observability.CascadeExhaustedTotal.Inc()
	c.notifyRider(t.RiderID, session.EventTripCancelled, map[string]any{
		"tripId": cancelled.ID,
		"reason": cancelled.CancellationReason,
	})
	c.Logger.Info("cascade exhausted", "trip_id", t.ID, "rounds", cas.round)
}

// tripSettled reports a positive observation that the trip has left
// searching. Store read errors count as not settled, so a transient
// failure cannot strand a live cascade.
func (c *Coordinator) tripSettled(tripID string) bool {
	cur, err := c.Machine.Store.GetTrip(tripID)
	return err == nil && cur.Status != models.StatusSearching
}

// settleLocked tears the cascade down without cancelling the trip,
// releasing every offered driver except the one the store says won.
// Called with c.mu held.
func (c *Coordinator) settleLocked(cas *cascade) {
	if cas.timer != nil {
		cas.timer.Stop()
	}
	winner := ""
	if cur, err := c.Machine.Store.GetTrip(cas.trip.ID); err == nil {
		winner = cur.DriverID
	}
	for id := range cas.offered {
		if id != winner {
			c.Geo.SetAvailability(id, models.DriverAvailable)
		}
	}
	delete(c.active, cas.trip.ID)
}

func (c *Coordinator) notifyRider(riderID, event string, payload any) {
	if err := c.Registry.Send(session.KindRider, riderID, event, payload); err != nil {
		c.Logger.Debug("rider notify failed", "rider_id", riderID, "event", event, "error", err)
	}
}

func offerPayload(t *models.Trip, expires time.Time) map[string]any {
	return map[string]any{
		"tripId":      t.ID,
		"pickup":      t.Pickup,
		"drop":        t.Drop,
		"vehicleType": t.VehicleClass,
		"fare":        t.Fare.Total,
		"rider":       map[string]any{"id": t.RiderID},
		"expiresAt":   expires,
	}
}
