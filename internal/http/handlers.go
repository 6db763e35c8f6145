package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

const maxSpecialRequestsLen = 500

// Server exposes the matching core over HTTP. It schedules the driver
// response timeouts the engine itself deliberately does not own.
type Server struct {
	Registry registry.Registry
	Rides    *lifecycle.Service
	Store    storage.RideStore
	Engine   *matcher.Engine
	Fare     fare.Estimator
	Notifier *dispatch.Notifier
	Kafka    *ingest.KafkaProducer
	WSReg    *dispatch.WSRegistry

	ResponseTimeout time.Duration

	logger *slog.Logger
	mux    *mux.Router
}

type Deps struct {
	Registry registry.Registry
	Rides    *lifecycle.Service
	Store    storage.RideStore
	Engine   *matcher.Engine
	Fare     fare.Estimator
	Notifier *dispatch.Notifier
	Kafka    *ingest.KafkaProducer // optional
	WSReg    *dispatch.WSRegistry

	ResponseTimeout time.Duration
	Logger          *slog.Logger
}

func NewServer(d Deps) *Server {
	s := &Server{
		Registry:        d.Registry,
		Rides:           d.Rides,
		Store:           d.Store,
		Engine:          d.Engine,
		Fare:            d.Fare,
		Notifier:        d.Notifier,
		Kafka:           d.Kafka,
		WSReg:           d.WSReg,
		ResponseTimeout: d.ResponseTimeout,
		logger:          d.Logger,
		mux:             mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/status", s.handleRideStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/response", s.handleDriverResponse).Methods("POST")
	s.mux.HandleFunc("/api/v1/riders/{rider_id}/rides", s.handleListRides).Methods("GET")

	s.mux.HandleFunc("/internal/drivers/{driver_id}/location", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/drivers/{driver_id}/availability", s.handleDriverAvailability).Methods("POST")
	s.mux.HandleFunc("/internal/drivers/{driver_id}/status", s.handleDriverStatus).Methods("GET")

	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRideRequest struct {
	RiderID            string          `json:"rider_id"`
	PickupAddress      string          `json:"pickup_address"`
	DestinationAddress string          `json:"destination_address"`
	RideType           models.RideType `json:"ride_type"`
	SpecialRequests    string          `json:"special_requests"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RiderID == "" || req.PickupAddress == "" || req.DestinationAddress == "" {
		writeError(w, http.StatusBadRequest, "rider_id, pickup_address and destination_address are required")
		return
	}
	if len(req.SpecialRequests) > maxSpecialRequestsLen {
		writeError(w, http.StatusBadRequest, "special_requests too long")
		return
	}
	if req.RideType == "" {
		req.RideType = models.TypeStandard
	}

	ride := models.Ride{
		ID:                 uuid.NewString(),
		RiderID:            req.RiderID,
		PickupAddress:      req.PickupAddress,
		DestinationAddress: req.DestinationAddress,
		RideType:           req.RideType,
		SpecialRequests:    req.SpecialRequests,
		EstimatedFare:      s.Fare.Estimate(req.PickupAddress, req.DestinationAddress),
		Status:             models.StatusRequested,
	}
	if err := s.Store.Create(r.Context(), &ride); err != nil {
		s.logger.Error("create ride failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not create ride")
		return
	}
	s.Notifier.RideRequested(r.Context(), ride)

	// matching runs off the request path; the ride stays REQUESTED until a
	// driver is reserved
	go s.matchAsync(ride.ID)

	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) matchAsync(rideID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	matched, err := s.Engine.AttemptMatch(ctx, rideID)
	if err != nil {
		s.logger.Error("match attempt failed", "ride_id", rideID, "error", err)
		return
	}
	if matched {
		s.scheduleResponseTimeout(rideID)
	}
}

// scheduleResponseTimeout arms a decline for the ride's current offer. The
// callback only fires the decline if that same offer is still outstanding;
// re-offers arm their own timer.
func (s *Server) scheduleResponseTimeout(rideID string) {
	offered, ok := s.Engine.CurrentOffer(rideID)
	if !ok {
		return
	}
	time.AfterFunc(s.ResponseTimeout, func() {
		current, ok := s.Engine.CurrentOffer(rideID)
		if !ok || current != offered {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("driver response timed out", "ride_id", rideID, "driver_id", offered)
		matched, err := s.Engine.HandleDriverResponse(ctx, rideID, offered, false)
		if err != nil {
			s.logger.Error("timeout handling failed", "ride_id", rideID, "error", err)
			return
		}
		if matched {
			s.scheduleResponseTimeout(rideID)
		}
	})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		if errors.Is(err, storage.ErrRideNotFound) {
			writeError(w, http.StatusNotFound, "ride not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	riderID := mux.Vars(r)["rider_id"]
	limit := queryInt(r, "limit", storage.DefaultListLimit)
	offset := queryInt(r, "offset", 0)
	rides, total, err := s.Store.ListByRider(r.Context(), riderID, limit, offset)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides, "total": total, "limit": limit, "offset": offset})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	ride, err := s.Engine.CancelRide(r.Context(), mux.Vars(r)["ride_id"], req.Reason)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type statusRequest struct {
	Status models.RideStatus `json:"status"`
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Status {
	case models.StatusPickup, models.StatusInProgress, models.StatusCompleted:
	default:
		writeError(w, http.StatusBadRequest, "status must be one of pickup, in_progress, completed")
		return
	}
	ride, err := s.Engine.ProgressRide(r.Context(), mux.Vars(r)["ride_id"], req.Status)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type driverResponseRequest struct {
	DriverID string `json:"driver_id"`
	Accepted bool   `json:"accepted"`
}

func (s *Server) handleDriverResponse(w http.ResponseWriter, r *http.Request) {
	var req driverResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	rideID := mux.Vars(r)["ride_id"]
	resolved, err := s.Engine.HandleDriverResponse(r.Context(), rideID, req.DriverID, req.Accepted)
	if err != nil {
		if errors.Is(err, storage.ErrRideNotFound) {
			writeError(w, http.StatusNotFound, "ride not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	if !req.Accepted && resolved {
		// a new driver was offered; arm a fresh timeout
		s.scheduleResponseTimeout(rideID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}

type driverLocationRequest struct {
	City      string `json:"city"`
	Area      string `json:"area"`
	Available bool   `json:"is_available"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var req driverLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.City == "" || req.Area == "" {
		writeError(w, http.StatusBadRequest, "city and area are required")
		return
	}
	if err := s.Registry.Upsert(r.Context(), driverID, req.City, req.Area, req.Available); err != nil {
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	if s.Kafka != nil {
		update := models.DriverUpdate{DriverID: driverID, City: req.City, Area: req.Area, Available: req.Available}
		if err := s.Kafka.PublishUpdate(update); err != nil {
			s.logger.Error("driver update publish failed", "driver_id", driverID, "error", err)
		}
	}
	observability.DriverUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

type driverAvailabilityRequest struct {
	Available bool `json:"is_available"`
}

func (s *Server) handleDriverAvailability(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var req driverAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Registry.SetAvailable(r.Context(), driverID, req.Available); err != nil {
		if errors.Is(err, registry.ErrDriverNotFound) {
			writeError(w, http.StatusNotFound, "driver not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Registry.Status(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		if errors.Is(err, registry.ErrDriverNotFound) {
			writeError(w, http.StatusNotFound, "driver not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upgrade failed")
		return
	}
	s.WSReg.Add(driverID, conn)
	go func() {
		defer s.WSReg.Remove(driverID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrRideNotFound):
		writeError(w, http.StatusNotFound, "ride not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return def
}
