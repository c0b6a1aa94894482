package session

// Wire event names shared with the mobile clients. Consumed events
// arrive on the driver/rider sockets; produced events are pushed
// through the Registry.
const (
	// consumed
	EventRideRequest  = "ride:request"
	EventRideAccept   = "ride:accept"
	EventRideReject   = "ride:reject"
	EventRideCancel   = "ride:cancel"
	EventLocation     = "location:update"
	EventStatusUpdate = "trip:status_update"

	// produced
	EventNoDrivers      = "ride:no_drivers"
	EventRideError      = "ride:error"
	EventDriverAssigned = "trip:driver_assigned"
	EventStatusChanged  = "trip:status_changed"
	EventTripCancelled  = "trip:cancelled"
)
