package pricing

import (
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Rate table per vehicle class. Values are in the ledger currency and
// match what the mobile clients display, so do not tweak casually.
type rate struct {
	base   float64
	perKm  float64
	perMin float64
}

var rates = map[models.VehicleClass]rate{
	models.VehicleBike: {base: 20, perKm: 8, perMin: 0.5},
	models.VehicleAuto: {base: 30, perKm: 12, perMin: 0.8},
	models.VehicleCar:  {base: 50, perKm: 18, perMin: 1.2},
}

// Fallback used for an unknown class. Mirrors the auto tier.
var defaultRate = rate{base: 30, perKm: 12, perMin: 0.8}

const (
	// Cancellation fee schedule: fraction of fare with a hard cap,
	// depending on how far the trip has progressed.
	preStartFeeFraction = 0.10
	preStartFeeCap      = 50
	startedFeeFraction  = 0.50
	startedFeeCap       = 200

	// DemandWindow bounds how old a searching trip can be and still
	// count as open demand for the surge sample.
	DemandWindow = 5 * time.Minute

	maxMultiplier = 3.0
)

// DemandCounter is the trip-side sample the engine needs: open
// searching requests of a class near a point within the demand window.
type DemandCounter interface {
	CountSearchingNear(p models.Coord, class models.VehicleClass, radiusMeters float64, since time.Time) int
}

// Engine prices trips. Multiplier sampling goes through the geo index
// (supply) and the trip store (demand); FareBreakdown and
// CancellationFee are pure.
type Engine struct {
	Geo          geo.Index
	Demand       DemandCounter
	RadiusMeters float64
	Logger       *slog.Logger
}

func NewEngine(g geo.Index, d DemandCounter, radiusMeters float64, logger *slog.Logger) *Engine {
	if radiusMeters <= 0 {
		radiusMeters = geo.DefaultRadiusMeters
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Geo: g, Demand: d, RadiusMeters: radiusMeters, Logger: logger}
}

// Multiplier samples supply and demand around p and returns the surge
// multiplier for the class at now. Deterministic given the samples.
func (e *Engine) Multiplier(p models.Coord, class models.VehicleClass, now time.Time) float64 {
	supply := e.Geo.CountAvailable(p, class, e.RadiusMeters)
	demand := e.Demand.CountSearchingNear(p, class, e.RadiusMeters, now.Add(-DemandWindow))
	m := MultiplierFor(supply, demand, now)
	e.Logger.Info("surge multiplier",
		"class", class, "supply", supply, "demand", demand, "multiplier", m)
	return m
}

// MultiplierFor maps a (supply, demand, time) sample to the multiplier.
// Exposed separately so it can be tested without an index.
func MultiplierFor(supply, demand int, now time.Time) float64 {
	ratio := float64(demand)
	if supply > 0 {
		ratio = float64(demand) / float64(supply)
	}

	m := 1.0
	switch {
	case ratio > 2:
		m = 2.5
	case ratio > 1.5:
		m = 2.0
	case ratio > 1:
		m = 1.5
	case ratio > 0.5:
		m = 1.2
	}

	// rush hours: 7-10 and 17-20 local time
	hour := now.Hour()
	if (hour >= 7 && hour < 10) || (hour >= 17 && hour < 20) {
		m *= 1.2
	}

	if m > maxMultiplier {
		m = maxMultiplier
	}
	if m < 1.0 {
		m = 1.0
	}
	return math.Round(m*10) / 10
}

// FareBreakdown computes the priced breakdown for a trip. Pure.
func FareBreakdown(distanceKm, durationMin float64, class models.VehicleClass, multiplier float64) models.Fare {
	r, ok := rates[class]
	if !ok {
		r = defaultRate
	}
	if multiplier < 1.0 {
		multiplier = 1.0
	}

	distanceFare := distanceKm * r.perKm
	timeFare := durationMin * r.perMin
	subtotal := r.base + distanceFare + timeFare

	return models.Fare{
		BaseFare:        round2(r.base),
		DistanceFare:    round2(distanceFare),
		TimeFare:        round2(timeFare),
		SurgeMultiplier: math.Round(multiplier*10) / 10,
		SurgeAmount:     round2(subtotal * (multiplier - 1)),
		Total:           round2(subtotal * multiplier),
		Currency:        "INR",
	}
}

// CancellationFee returns the fee owed by the rider for cancelling a
// trip in the given status. Driver-side cancellations are always free.
func CancellationFee(status models.TripStatus, fare float64, cancelledBy models.CancelParty) float64 {
	if status == models.StatusSearching || status == models.StatusScheduled {
		return 0
	}
	if cancelledBy == models.CancelledByDriver {
		return 0
	}
	switch status {
	case models.StatusAssigned, models.StatusArrived:
		return round2(math.Min(fare*preStartFeeFraction, preStartFeeCap))
	case models.StatusStarted:
		return round2(math.Min(fare*startedFeeFraction, startedFeeCap))
	}
	return 0
}

// EstimateDistanceKm is the straight-line pickup to drop length used
// when the client does not supply a routed distance.
func EstimateDistanceKm(pickup, drop models.Coord) float64 {
	return round2(geo.Haversine(pickup.Lat, pickup.Lng, drop.Lat, drop.Lng) / 1000)
}

// EstimateDurationMin approximates ride time at 3 minutes per km.
func EstimateDurationMin(distanceKm float64) float64 {
	return math.Round(distanceKm * 3)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
