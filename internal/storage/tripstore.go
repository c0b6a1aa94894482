package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrTripNotFound = errors.New("trip not found")
	// ErrTripNotSearching is returned by AssignDriver when the trip has
	// already left searching; the losing accept sees this, never a
	// partial assignment.
	ErrTripNotSearching = errors.New("trip is not in a matchable state")
)

// TripStore defines persistence operations for trips. Mutations for the
// same trip are serialized by the implementation, so callers can treat
// Mutate as the single authoritative state check.
type TripStore interface {
	SaveTrip(t *models.Trip) error
	GetTrip(id string) (*models.Trip, error)
	// AssignDriver performs the atomic searching -> driver_assigned
	// compare-and-set, writing status, driver and OTP together.
	AssignDriver(tripID, driverID, otp string) (*models.Trip, error)
	// Mutate applies fn to the stored trip under the store's lock and
	// persists the result unless fn errors.
	Mutate(tripID string, fn func(*models.Trip) error) (*models.Trip, error)
	// CountSearchingNear counts searching trips of the class created
	// after since within radiusMeters of p (surge demand sample).
	CountSearchingNear(p models.Coord, class models.VehicleClass, radiusMeters float64, since time.Time) int
	// IncrementDriverStats bumps completed-trip count and earnings.
	IncrementDriverStats(driverID string, earnings float64) error
}

type MemoryStore struct {
	mu    sync.Mutex
	trips map[string]*models.Trip
	stats map[string]*driverStats
}

type driverStats struct {
	trips    int
	earnings float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips: make(map[string]*models.Trip),
		stats: make(map[string]*driverStats),
	}
}

func (m *MemoryStore) SaveTrip(t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(id string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrTripNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) AssignDriver(tripID, driverID, otp string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrTripNotFound
	}
	if t.Status != models.StatusSearching {
		return nil, ErrTripNotSearching
	}
	t.Status = models.StatusAssigned
	t.DriverID = driverID
	t.OTP = otp
	t.OTPAttempts = 0
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Mutate(tripID string, fn func(*models.Trip) error) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrTripNotFound
	}
	work := *t
	if err := fn(&work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now()
	m.trips[tripID] = &work
	cp := work
	return &cp, nil
}

func (m *MemoryStore) CountSearchingNear(p models.Coord, class models.VehicleClass, radiusMeters float64, since time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.trips {
		if t.Status != models.StatusSearching || t.VehicleClass != class {
			continue
		}
		if t.CreatedAt.Before(since) {
			continue
		}
		if geo.Haversine(p.Lat, p.Lng, t.Pickup.Lat, t.Pickup.Lng) <= radiusMeters {
			n++
		}
	}
	return n
}

func (m *MemoryStore) IncrementDriverStats(driverID string, earnings float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[driverID]
	if !ok {
		s = &driverStats{}
		m.stats[driverID] = s
	}
	s.trips++
	s.earnings += earnings
	return nil
}

// DriverStats reports the accumulated completed-trip count and earnings
// for a driver.
func (m *MemoryStore) DriverStats(driverID string) (int, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[driverID]
	if !ok {
		return 0, 0
	}
	return s.trips, s.earnings
}
