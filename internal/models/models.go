package models

import "time"

// VehicleClass is the closed set of vehicle types a trip can request.
type VehicleClass string

const (
	VehicleBike VehicleClass = "bike"
	VehicleAuto VehicleClass = "auto"
	VehicleCar  VehicleClass = "car"
)

// Valid reports whether the class is one of the known vehicle types.
func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleBike, VehicleAuto, VehicleCar:
		return true
	}
	return false
}

// TripStatus is the closed trip lifecycle set. Wire values match the
// mobile clients, so they are spelled out rather than derived.
type TripStatus string

const (
	StatusScheduled TripStatus = "scheduled"
	StatusSearching TripStatus = "searching"
	StatusAssigned  TripStatus = "driver_assigned"
	StatusArrived   TripStatus = "driver_arrived"
	StatusStarted   TripStatus = "trip_started"
	StatusCompleted TripStatus = "trip_completed"
	StatusCancelled TripStatus = "cancelled"
)

// Active reports whether a driver is bound to the trip in this status.
func (s TripStatus) Active() bool {
	switch s {
	case StatusAssigned, StatusArrived, StatusStarted:
		return true
	}
	return false
}

// Terminal reports whether the trip has left core ownership.
func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// DriverStatus is the closed driver availability set.
type DriverStatus string

const (
	DriverOffline   DriverStatus = "offline"
	DriverAvailable DriverStatus = "available"
	DriverOffered   DriverStatus = "offered"
	DriverBusy      DriverStatus = "busy"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a coordinate plus the free-text address the rider saw.
type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

// Stop is an ordered intermediate waypoint between pickup and drop.
type Stop struct {
	Place
	Order int `json:"order"`
}

// Fare is the priced breakdown attached to a trip. Total equals
// (base + distance + time) scaled by the surge multiplier, with every
// monetary field rounded to 2 decimals.
type Fare struct {
	BaseFare        float64 `json:"baseFare"`
	DistanceFare    float64 `json:"distanceFare"`
	TimeFare        float64 `json:"timeFare"`
	SurgeMultiplier float64 `json:"surgeMultiplier"`
	SurgeAmount     float64 `json:"surgeAmount"`
	Total           float64 `json:"totalFare"`
	Currency        string  `json:"currency"`
}

type CancelParty string

const (
	CancelledByRider  CancelParty = "rider"
	CancelledByDriver CancelParty = "driver"
	CancelledBySystem CancelParty = "system"
)

type Trip struct {
	ID           string       `json:"id"`
	RiderID      string       `json:"riderId"`
	DriverID     string       `json:"driverId,omitempty"`
	VehicleClass VehicleClass `json:"vehicleType"`
	Status       TripStatus   `json:"status"`

	Pickup Place  `json:"pickup"`
	Drop   Place  `json:"drop"`
	Stops  []Stop `json:"stops,omitempty"`

	Fare        Fare    `json:"fare"`
	DistanceKm  float64 `json:"distance"`
	DurationMin float64 `json:"duration"`

	// OTP is set on assignment and cleared once the trip starts.
	OTP         string `json:"otp,omitempty"`
	OTPAttempts int    `json:"-"`

	IsShared      bool       `json:"isShared,omitempty"`
	IsScheduled   bool       `json:"isScheduled,omitempty"`
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`

	CancelledBy        CancelParty `json:"cancelledBy,omitempty"`
	CancellationReason string      `json:"cancellationReason,omitempty"`
	CancellationFee    float64     `json:"cancellationFee,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type Driver struct {
	ID           string       `json:"id"`
	VehicleClass VehicleClass `json:"vehicleType"`
	Loc          Coord        `json:"loc"`
	Bearing      float64      `json:"bearing,omitempty"`
	Speed        float64      `json:"speed,omitempty"`
	Status       DriverStatus `json:"status"`
	Updated      time.Time    `json:"updated"`

	TotalTrips    int     `json:"totalTrips,omitempty"`
	TotalEarnings float64 `json:"totalEarnings,omitempty"`
}

// Offer is one ephemeral trip proposal to one candidate driver. It lives
// only for the duration of a cascade round and is never persisted.
type Offer struct {
	TripID    string    `json:"tripId"`
	DriverID  string    `json:"driverId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PositionUpdate is a single driver telemetry sample.
type PositionUpdate struct {
	DriverID string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Bearing  float64 `json:"bearing"`
	Speed    float64 `json:"speed"`
}
