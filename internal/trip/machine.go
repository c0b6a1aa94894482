package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrTripNotFound = storage.ErrTripNotFound
	// ErrRaceLost is what a driver sees when another driver claimed the
	// trip first. The trip itself is untouched.
	ErrRaceLost          = errors.New("offer no longer available")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOTPMismatch       = errors.New("otp mismatch")
	// ErrOTPExhausted accompanies the forced cancellation after the
	// third consecutive wrong OTP.
	ErrOTPExhausted  = errors.New("otp attempts exhausted")
	ErrNotTripDriver = errors.New("driver is not assigned to this trip")
)

const (
	maxOTPAttempts = 3

	// OTPFailureReason is recorded on trips force-cancelled by the OTP
	// gate and shown to both parties.
	OTPFailureReason = "OTP verification failed"
)

// FareFinalizer is the payment collaborator hook. Finalize captures the
// fare after completion; Release voids any hold after cancellation.
// Both are best-effort from the machine's point of view.
type FareFinalizer interface {
	Finalize(ctx context.Context, t *models.Trip) error
	Release(ctx context.Context, t *models.Trip) error
}

// NopFinalizer satisfies FareFinalizer when no payment backend is wired.
type NopFinalizer struct{}

func (NopFinalizer) Finalize(context.Context, *models.Trip) error { return nil }
func (NopFinalizer) Release(context.Context, *models.Trip) error  { return nil }

// Machine owns the canonical trip lifecycle. Every transition funnels
// through the store's per-trip serialization, so two events for the
// same trip can never interleave into an ambiguous status.
type Machine struct {
	Store     storage.TripStore
	Geo       geo.Index
	Finalizer FareFinalizer
	Logger    *slog.Logger
}

func NewMachine(store storage.TripStore, g geo.Index, fin FareFinalizer, logger *slog.Logger) *Machine {
	if fin == nil {
		fin = NopFinalizer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{Store: store, Geo: g, Finalizer: fin, Logger: logger}
}

// CreateParams carries everything the rider request supplies.
type CreateParams struct {
	RiderID      string
	VehicleClass models.VehicleClass
	Pickup       models.Place
	Drop         models.Place
	Stops        []models.Stop
	DistanceKm   float64 // optional; estimated when zero
	DurationMin  float64 // optional; estimated when zero
	IsShared     bool
	ScheduledAt  *time.Time
	Fare         models.Fare
}

// Create prices nothing itself; the caller passes the already-computed
// fare. Future-dated trips start in scheduled, everything else in
// searching.
func (m *Machine) Create(id string, p CreateParams) (*models.Trip, error) {
	if !p.VehicleClass.Valid() {
		return nil, fmt.Errorf("unknown vehicle class %q", p.VehicleClass)
	}
	now := time.Now()
	status := models.StatusSearching
	scheduled := false
	if p.ScheduledAt != nil && p.ScheduledAt.After(now) {
		status = models.StatusScheduled
		scheduled = true
	}
	t := &models.Trip{
		ID:            id,
		RiderID:       p.RiderID,
		VehicleClass:  p.VehicleClass,
		Status:        status,
		Pickup:        p.Pickup,
		Drop:          p.Drop,
		Stops:         p.Stops,
		Fare:          p.Fare,
		DistanceKm:    p.DistanceKm,
		DurationMin:   p.DurationMin,
		IsShared:      p.IsShared,
		IsScheduled:   scheduled,
		ScheduledTime: p.ScheduledAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.Store.SaveTrip(t); err != nil {
		return nil, err
	}
	m.Logger.Info("trip created", "trip_id", t.ID, "rider_id", t.RiderID, "status", t.Status)
	return t, nil
}

// Activate moves a scheduled trip into searching once its time has
// elapsed. The trigger is external to the core.
func (m *Machine) Activate(tripID string) (*models.Trip, error) {
	return m.Store.Mutate(tripID, func(t *models.Trip) error {
		if t.Status != models.StatusScheduled {
			return ErrInvalidTransition
		}
		t.Status = models.StatusSearching
		return nil
	})
}

// Assign is the single atomic searching -> driver_assigned step. Status
// and driver are written together by the store CAS; the losing accept
// observes ErrRaceLost and nothing else changes. A fresh OTP is minted
// here and the driver goes busy.
func (m *Machine) Assign(tripID, driverID string) (*models.Trip, error) {
	otp := newOTP()
	t, err := m.Store.AssignDriver(tripID, driverID, otp)
	if err != nil {
		if errors.Is(err, storage.ErrTripNotSearching) {
			return nil, ErrRaceLost
		}
		return nil, err
	}
	m.Geo.SetAvailability(driverID, models.DriverBusy)
	m.Logger.Info("driver assigned", "trip_id", tripID, "driver_id", driverID)
	return t, nil
}

// Arrive marks the assigned driver as at the pickup point.
func (m *Machine) Arrive(tripID, driverID string) (*models.Trip, error) {
	return m.Store.Mutate(tripID, func(t *models.Trip) error {
		if t.Status != models.StatusAssigned {
			return ErrInvalidTransition
		}
		if driverID != "" && t.DriverID != driverID {
			return ErrNotTripDriver
		}
		t.Status = models.StatusArrived
		return nil
	})
}

// Start validates the rider's OTP and begins the ride. After three
// consecutive mismatches the trip is force-cancelled with the OTP
// failure reason and the driver is released; the returned error is
// ErrOTPExhausted and the returned trip reflects the cancellation.
func (m *Machine) Start(ctx context.Context, tripID, driverID, otp string) (*models.Trip, error) {
	exhausted := false
	t, err := m.Store.Mutate(tripID, func(t *models.Trip) error {
		if t.Status != models.StatusArrived {
			return ErrInvalidTransition
		}
		if driverID != "" && t.DriverID != driverID {
			return ErrNotTripDriver
		}
		if otp != t.OTP {
			t.OTPAttempts++
			if t.OTPAttempts >= maxOTPAttempts {
				exhausted = true
				m.applyCancel(t, models.CancelledBySystem, OTPFailureReason)
				return nil
			}
			return ErrOTPMismatch
		}
		t.Status = models.StatusStarted
		t.OTP = ""
		t.OTPAttempts = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exhausted {
		m.releaseDriver(t.DriverID)
		m.Logger.Warn("trip cancelled by otp gate", "trip_id", tripID, "driver_id", t.DriverID)
		return t, ErrOTPExhausted
	}
	m.Logger.Info("trip started", "trip_id", tripID, "driver_id", t.DriverID)
	return t, nil
}

// Complete ends the ride: completion timestamp, driver released and
// credited, fare handed to the payment collaborator.
func (m *Machine) Complete(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	t, err := m.Store.Mutate(tripID, func(t *models.Trip) error {
		if t.Status != models.StatusStarted {
			return ErrInvalidTransition
		}
		if driverID != "" && t.DriverID != driverID {
			return ErrNotTripDriver
		}
		now := time.Now()
		t.Status = models.StatusCompleted
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.releaseDriver(t.DriverID)
	if err := m.Store.IncrementDriverStats(t.DriverID, t.Fare.Total); err != nil {
		m.Logger.Error("driver stats update failed", "trip_id", tripID, "error", err)
	}
	if err := m.Finalizer.Finalize(ctx, t); err != nil {
		m.Logger.Error("fare finalization failed", "trip_id", tripID, "error", err)
	}
	m.Logger.Info("trip completed", "trip_id", tripID, "driver_id", t.DriverID, "fare", t.Fare.Total)
	return t, nil
}

// Cancel ends a trip before it starts. Started trips are not
// cancellable through this path; the ride has to complete. The fee
// schedule comes from pricing and an assigned driver goes back to
// available.
func (m *Machine) Cancel(ctx context.Context, tripID string, by models.CancelParty, reason string) (*models.Trip, error) {
	t, err := m.Store.Mutate(tripID, func(t *models.Trip) error {
		switch t.Status {
		case models.StatusScheduled, models.StatusSearching, models.StatusAssigned, models.StatusArrived:
		default:
			return ErrInvalidTransition
		}
		m.applyCancel(t, by, reason)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if t.DriverID != "" {
		m.releaseDriver(t.DriverID)
	}
	if err := m.Finalizer.Release(ctx, t); err != nil {
		m.Logger.Error("fare release failed", "trip_id", tripID, "error", err)
	}
	m.Logger.Info("trip cancelled", "trip_id", tripID, "by", by, "reason", reason, "fee", t.CancellationFee)
	return t, nil
}

// CancelSearching cancels a trip only while it is still searching. The
// check and the write happen inside one store mutation, so a concurrent
// assignment always wins and the caller sees ErrInvalidTransition.
func (m *Machine) CancelSearching(ctx context.Context, tripID, reason string) (*models.Trip, error) {
	t, err := m.Store.Mutate(tripID, func(t *models.Trip) error {
		if t.Status != models.StatusSearching {
			return ErrInvalidTransition
		}
		m.applyCancel(t, models.CancelledBySystem, reason)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.Finalizer.Release(ctx, t); err != nil {
		m.Logger.Error("fare release failed", "trip_id", tripID, "error", err)
	}
	m.Logger.Info("trip cancelled", "trip_id", tripID, "by", models.CancelledBySystem, "reason", reason)
	return t, nil
}

func (m *Machine) applyCancel(t *models.Trip, by models.CancelParty, reason string) {
	t.CancellationFee = pricing.CancellationFee(t.Status, t.Fare.Total, by)
	t.Status = models.StatusCancelled
	t.CancelledBy = by
	t.CancellationReason = reason
	t.OTP = ""
}

func (m *Machine) releaseDriver(driverID string) {
	if driverID == "" {
		return
	}
	m.Geo.SetAvailability(driverID, models.DriverAvailable)
}

// newOTP returns a 4-digit one-time code.
func newOTP() string {
	return fmt.Sprintf("%d", 1000+rand.Intn(9000))
}
