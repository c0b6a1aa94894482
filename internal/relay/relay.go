package relay

import (
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/session"
)

// EventDriverLocation is pushed to the bound rider on every position
// change of the assigned driver.
const EventDriverLocation = "driver:location"

// Relay forwards an active driver's position stream to exactly the
// rider bound to that driver's trip. Drivers without an active trip are
// silent. Bindings are installed on assignment and torn down the moment
// the trip ends, so late samples are never delivered.
type Relay struct {
	mu       sync.RWMutex
	byDriver map[string]binding
	registry session.Registry
	logger   *slog.Logger
}

type binding struct {
	tripID  string
	riderID string
}

func New(reg session.Registry, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		byDriver: make(map[string]binding),
		registry: reg,
		logger:   logger,
	}
}

// Activate binds the trip's rider to its driver's position stream.
// No-op unless the trip is in an active status with a driver set.
func (r *Relay) Activate(t *models.Trip) {
	if t == nil || t.DriverID == "" || !t.Status.Active() {
		return
	}
	r.mu.Lock()
	r.byDriver[t.DriverID] = binding{tripID: t.ID, riderID: t.RiderID}
	r.mu.Unlock()
}

// Deactivate removes the binding for the trip's driver, if any.
func (r *Relay) Deactivate(t *models.Trip) {
	if t == nil || t.DriverID == "" {
		return
	}
	r.mu.Lock()
	b, ok := r.byDriver[t.DriverID]
	if ok && b.tripID == t.ID {
		delete(r.byDriver, t.DriverID)
	}
	r.mu.Unlock()
}

// Forward relays one position sample to the bound rider, if the driver
// has an active trip. Samples for unbound drivers are dropped.
func (r *Relay) Forward(u models.PositionUpdate) {
	r.mu.RLock()
	b, ok := r.byDriver[u.DriverID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	err := r.registry.Send(session.KindRider, b.riderID, EventDriverLocation, map[string]any{
		"lat":     u.Lat,
		"lng":     u.Lng,
		"bearing": u.Bearing,
		"speed":   u.Speed,
	})
	if err != nil {
		r.logger.Debug("rider channel unavailable", "trip_id", b.tripID, "rider_id", b.riderID, "error", err)
	}
}
