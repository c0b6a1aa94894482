package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/trip"
)

var upgrader = websocket.Upgrader{}

// inbound is the envelope clients send on the socket.
type inbound struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind := session.Kind(vars["kind"])
	id := vars["id"]
	if (kind != session.KindRider && kind != session.KindDriver) || id == "" {
		http.Error(w, "unknown participant", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	ch := session.NewWSChannel(conn)
	s.Registry.Register(kind, id, ch)
	s.logger.Info("session attached", "kind", kind, "id", id)

	go s.readLoop(kind, id, conn, ch)
}

func (s *Server) readLoop(kind session.Kind, id string, conn *websocket.Conn, ch *session.WSChannel) {
	defer func() {
		s.Registry.Unregister(kind, id, ch)
		_ = ch.Close()
		s.logger.Info("session detached", "kind", kind, "id", id)
	}()
	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if kind == session.KindDriver {
			s.handleDriverEvent(id, ch, msg)
		} else {
			s.handleRiderEvent(id, ch, msg)
		}
	}
}

func (s *Server) handleDriverEvent(driverID string, ch *session.WSChannel, msg inbound) {
	ctx := context.Background()
	switch msg.Event {
	case session.EventLocation:
		var u models.PositionUpdate
		if err := json.Unmarshal(msg.Payload, &u); err != nil {
			return
		}
		if u.DriverID == "" {
			u.DriverID = driverID
		}
		d := models.Driver{
			ID:      u.DriverID,
			Loc:     models.Coord{Lat: u.Lat, Lng: u.Lng},
			Bearing: u.Bearing,
			Speed:   u.Speed,
		}
		s.ingestPosition(d)

	case session.EventRideAccept:
		var p struct {
			TripID   string `json:"tripId"`
			DriverID string `json:"driverId"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if p.DriverID == "" {
			p.DriverID = driverID
		}
		t, err := s.Coordinator.Accept(ctx, p.TripID, p.DriverID)
		if err != nil {
			_ = ch.Send(session.EventRideError, map[string]any{"tripId": p.TripID, "message": "offer no longer available"})
			return
		}
		_ = ch.Send(session.EventStatusChanged, map[string]any{"tripId": t.ID, "status": t.Status})

	case session.EventRideReject:
		var p struct {
			TripID   string `json:"tripId"`
			DriverID string `json:"driverId"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if p.DriverID == "" {
			p.DriverID = driverID
		}
		s.Coordinator.Reject(p.TripID, p.DriverID)

	case session.EventRideCancel:
		var p struct {
			TripID string `json:"tripId"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if _, err := s.cancelTrip(ctx, p.TripID, models.CancelledByDriver, p.Reason); err != nil {
			s.logger.Warn("socket cancel failed", "trip_id", p.TripID, "error", err)
		}

	case session.EventStatusUpdate:
		var p struct {
			TripID string            `json:"tripId"`
			Status models.TripStatus `json:"status"`
			OTP    string            `json:"otp"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		req := statusUpdateRequest{Status: p.Status, DriverID: driverID, OTP: p.OTP}
		if _, err := s.applyStatusUpdate(ctx, p.TripID, req); err != nil && !errors.Is(err, trip.ErrOTPExhausted) {
			_ = ch.Send(session.EventRideError, map[string]any{"tripId": p.TripID, "message": err.Error()})
		}
	}
}

func (s *Server) handleRiderEvent(riderID string, ch *session.WSChannel, msg inbound) {
	switch msg.Event {
	case session.EventRideRequest:
		// the trip is created over REST first; this event arms dispatch
		var p struct {
			TripID string `json:"tripId"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		t, err := s.Store.GetTrip(p.TripID)
		if err != nil {
			_ = ch.Send(session.EventRideError, map[string]any{"tripId": p.TripID, "message": "trip not found"})
			return
		}
		if t.RiderID != riderID || t.Status != models.StatusSearching {
			_ = ch.Send(session.EventRideError, map[string]any{"tripId": p.TripID, "message": "trip is not in a matchable state"})
			return
		}
		s.Coordinator.Begin(t)

	case session.EventRideCancel:
		var p struct {
			TripID string `json:"tripId"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if _, err := s.cancelTrip(context.Background(), p.TripID, models.CancelledByRider, p.Reason); err != nil {
			s.logger.Warn("socket cancel failed", "trip_id", p.TripID, "error", err)
		}
	}
}
