package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

type Server struct {
	Geo         geo.Index
	Store       storage.TripStore
	Machine     *trip.Machine
	Coordinator *dispatch.Coordinator
	Pricing     *pricing.Engine
	Relay       *relay.Relay
	Registry    session.Registry
	Kafka       *ingest.KafkaProducer

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the core from config. Redis and Postgres are used
// when configured and fall back to the in-process implementations.
func NewServer(cfg config.ServerConfig) *Server {
	logger := logging.NewLogger(cfg.LogLevel)

	var gidx geo.Index
	if cfg.RedisAddr != "" {
		gidx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		gidx = geo.NewMemIndex()
	}

	var store storage.TripStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Error("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var fin trip.FareFinalizer
	if cfg.StripeEnabled {
		fin = payments.NewStripeFinalizer(cfg.Currency)
	}

	reg := session.NewMemRegistry()
	machine := trip.NewMachine(store, gidx, fin, logger)
	rl := relay.New(reg, logger)
	coord := dispatch.NewCoordinator(gidx, machine, reg, rl, dispatch.Config{
		MaxCandidates: cfg.MaxCandidates,
		RadiusMeters:  cfg.RadiusMeters,
		OfferTimeout:  cfg.OfferTimeout,
		RetryCount:    cfg.RetryCount,
		RetryDelay:    cfg.RetryDelay,
	}, logger)
	eng := pricing.NewEngine(gidx, store, cfg.RadiusMeters, logger)

	s := &Server{
		Geo:         gidx,
		Store:       store,
		Machine:     machine,
		Coordinator: coord,
		Pricing:     eng,
		Relay:       rl,
		Registry:    reg,
		Kafka:       kp,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func NewServerFromEnv() *Server {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("config load", "error", err)
	}
	return NewServer(cfg)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{id}/accept", s.handleAcceptTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/reject", s.handleRejectTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/cancel", s.handleCancelTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/status", s.handleUpdateStatus).Methods("PUT")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/trips/{id}/activate", s.handleActivateTrip).Methods("POST")
	s.mux.HandleFunc("/ws/{kind}/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createTripRequest struct {
	RiderID       string              `json:"riderId"`
	VehicleClass  models.VehicleClass `json:"vehicleType"`
	Pickup        models.Place        `json:"pickup"`
	Drop          models.Place        `json:"drop"`
	Stops         []models.Place      `json:"stops"`
	DistanceKm    float64             `json:"distance"`
	DurationMin   float64             `json:"duration"`
	IsShared      bool                `json:"isShared"`
	ScheduledTime *time.Time          `json:"scheduledTime"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RiderID == "" || !req.VehicleClass.Valid() {
		writeError(w, http.StatusBadRequest, "riderId and a valid vehicleType are required")
		return
	}

	distance := req.DistanceKm
	if distance <= 0 {
		distance = pricing.EstimateDistanceKm(req.Pickup.Coord, req.Drop.Coord)
	}
	duration := req.DurationMin
	if duration <= 0 {
		duration = pricing.EstimateDurationMin(distance)
	}

	multiplier := s.Pricing.Multiplier(req.Pickup.Coord, req.VehicleClass, time.Now())
	fare := pricing.FareBreakdown(distance, duration, req.VehicleClass, multiplier)

	stops := make([]models.Stop, 0, len(req.Stops))
	for i, p := range req.Stops {
		stops = append(stops, models.Stop{Place: p, Order: i + 1})
	}

	t, err := s.Machine.Create(newID(), trip.CreateParams{
		RiderID:      req.RiderID,
		VehicleClass: req.VehicleClass,
		Pickup:       req.Pickup,
		Drop:         req.Drop,
		Stops:        stops,
		DistanceKm:   distance,
		DurationMin:  duration,
		IsShared:     req.IsShared,
		ScheduledAt:  req.ScheduledTime,
		Fare:         fare,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if t.Status == models.StatusSearching {
		s.Coordinator.Begin(t)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": t})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.Store.GetTrip(mux.Vars(r)["id"])
	if err != nil {
		s.writeTripError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": t})
}

type driverActionRequest struct {
	DriverID string `json:"driverId"`
}

func (s *Server) handleAcceptTrip(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driverId is required")
		return
	}
	t, err := s.Coordinator.Accept(r.Context(), mux.Vars(r)["id"], req.DriverID)
	if err != nil {
		s.writeTripError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": t})
}

func (s *Server) handleRejectTrip(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driverId is required")
		return
	}
	s.Coordinator.Reject(mux.Vars(r)["id"], req.DriverID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "trip rejected"})
}

type cancelTripRequest struct {
	CancelledBy models.CancelParty `json:"cancelledBy"`
	Reason      string             `json:"reason"`
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["id"]
	var req cancelTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CancelledBy == "" {
		req.CancelledBy = models.CancelledByRider
	}
	t, err := s.cancelTrip(r.Context(), tripID, req.CancelledBy, req.Reason)
	if err != nil {
		s.writeTripError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": t})
}

// cancelTrip runs the full cancellation path shared by REST and socket:
// stop any cascade, transition, tear down the relay, tell both parties.
func (s *Server) cancelTrip(ctx context.Context, tripID string, by models.CancelParty, reason string) (*models.Trip, error) {
	s.Coordinator.Stop(tripID)
	t, err := s.Machine.Cancel(ctx, tripID, by, reason)
	if err != nil {
		return nil, err
	}
	s.Relay.Deactivate(t)
	s.notifyParties(t, session.EventTripCancelled, map[string]any{
		"tripId": t.ID,
		"reason": t.CancellationReason,
		"fee":    t.CancellationFee,
	})
	return t, nil
}

type statusUpdateRequest struct {
	Status   models.TripStatus `json:"status"`
	DriverID string            `json:"driverId"`
	OTP      string            `json:"otp"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["id"]
	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.applyStatusUpdate(r.Context(), tripID, req)
	if err != nil {
		if errors.Is(err, trip.ErrOTPExhausted) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"success": false,
				"message": trip.OTPFailureReason,
				"data":    t,
			})
			return
		}
		s.writeTripError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": t})
}

// applyStatusUpdate maps a driver-initiated lifecycle request onto the
// machine and broadcasts the outcome to both parties.
func (s *Server) applyStatusUpdate(ctx context.Context, tripID string, req statusUpdateRequest) (*models.Trip, error) {
	var (
		t   *models.Trip
		err error
	)
	switch req.Status {
	case models.StatusArrived:
		t, err = s.Machine.Arrive(tripID, req.DriverID)
	case models.StatusStarted:
		t, err = s.Machine.Start(ctx, tripID, req.DriverID, req.OTP)
		if errors.Is(err, trip.ErrOTPExhausted) {
			// forced cancellation: driver released, both sides told
			s.Relay.Deactivate(t)
			s.notifyParties(t, session.EventTripCancelled, map[string]any{
				"tripId": t.ID,
				"reason": t.CancellationReason,
			})
			return t, err
		}
	case models.StatusCompleted:
		t, err = s.Machine.Complete(ctx, tripID, req.DriverID)
	case models.StatusCancelled:
		by := models.CancelledByDriver
		if req.DriverID == "" {
			by = models.CancelledByRider
		}
		return s.cancelTrip(ctx, tripID, by, "")
	default:
		return nil, trip.ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		s.Relay.Deactivate(t)
	}
	s.notifyParties(t, session.EventStatusChanged, map[string]any{
		"tripId": t.ID,
		"status": t.Status,
	})
	return t, nil
}

// handleActivateTrip promotes a scheduled trip into searching and kicks
// off dispatch. The scheduler that decides when lives outside this
// process; it just hits this endpoint.
func (s *Server) handleActivateTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.Machine.Activate(mux.Vars(r)["id"])
	if err != nil {
		s.writeTripError(w, err)
		return
	}
	s.Coordinator.Begin(t)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": t})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d.ID == "" {
		writeError(w, http.StatusBadRequest, "driver id is required")
		return
	}
	s.ingestPosition(d)
	w.WriteHeader(http.StatusNoContent)
}

// ingestPosition is the shared path for REST and socket telemetry:
// publish to kafka when wired, update the geo index, and relay to the
// bound rider if the driver has an active trip.
func (s *Server) ingestPosition(d models.Driver) {
	if s.Kafka != nil {
		if err := s.Kafka.PublishPosition(d); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", d.ID, "error", err)
		}
	}
	if d.Status == models.DriverOffline {
		s.Geo.Remove(d.ID)
		return
	}
	s.Geo.Upsert(d)
	observability.LocationUpdatesTotal.Inc()
	s.Relay.Forward(models.PositionUpdate{
		DriverID: d.ID,
		Lat:      d.Loc.Lat,
		Lng:      d.Loc.Lng,
		Bearing:  d.Bearing,
		Speed:    d.Speed,
	})
}

// notifyParties pushes an event to the trip's rider and, when assigned,
// its driver. Delivery is targeted only; there is no global fan-out.
func (s *Server) notifyParties(t *models.Trip, event string, payload any) {
	if err := s.Registry.Send(session.KindRider, t.RiderID, event, payload); err != nil {
		s.logger.Debug("rider notify failed", "trip_id", t.ID, "error", err)
	}
	if t.DriverID != "" {
		if err := s.Registry.Send(session.KindDriver, t.DriverID, event, payload); err != nil {
			s.logger.Debug("driver notify failed", "trip_id", t.ID, "error", err)
		}
	}
}

func (s *Server) writeTripError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trip.ErrTripNotFound):
		writeError(w, http.StatusNotFound, "trip not found")
	case errors.Is(err, trip.ErrRaceLost):
		writeError(w, http.StatusConflict, "offer no longer available")
	case errors.Is(err, trip.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, "trip is not in a matchable state")
	case errors.Is(err, trip.ErrNotTripDriver):
		writeError(w, http.StatusForbidden, "driver is not assigned to this trip")
	case errors.Is(err, trip.ErrOTPMismatch):
		writeError(w, http.StatusBadRequest, "incorrect OTP")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
