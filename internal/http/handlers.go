package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/registry"
)

// Deps are the components the HTTP surface exposes.
type Deps struct {
	Auth      auth.Verifier
	Registry  *registry.Registry
	Locations *geo.Store
	Trips     *dispatch.Engine
	Notes     *notify.Service
	Router    *gateway.Router
	// Checks are run by /ready; any error makes the instance unready.
	Checks map[string]func(context.Context) error
}

type Server struct {
	Deps
	logger   *zap.SugaredLogger
	mux      *mux.Router
	upgrader websocket.Upgrader
	ws       wsTimings
}

func NewServer(d Deps, logger *zap.SugaredLogger) *Server {
	s := &Server{
		Deps:     d,
		logger:   logger,
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		ws:       defaultWSTimings(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/trip-requests", s.handleListTrips).Methods("GET")
	api.HandleFunc("/trip-requests", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trip-requests/{id:[0-9]+}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trip-requests/{id:[0-9]+}/decline", s.handleDeclineTrip).Methods("POST")
	api.HandleFunc("/trip-requests/{id:[0-9]+}/cancel", s.handleCancelTrip).Methods("POST")
	api.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
	api.HandleFunc("/notifications/{id:[0-9]+}/read", s.handleMarkRead).Methods("POST")
	api.HandleFunc("/notifications/{id:[0-9]+}/cancel", s.handleCancelNotification).Methods("POST")
	api.HandleFunc("/drivers/available", s.handleAvailableDrivers).Methods("GET")
	api.HandleFunc("/drivers/available-count", s.handleAvailableCount).Methods("GET")
	api.HandleFunc("/drivers/count", s.handleDriverCount).Methods("GET")
	api.HandleFunc("/auth/logout", s.handleLogout).Methods("DELETE")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	e := apperr.From(err)
	writeJSON(w, apperr.HTTPStatus(e), map[string]any{"error": e})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, apperr.New(apperr.KindInvalidArgument, "invalid id")
	}
	return id, nil
}

func requireRole(p models.Principal, role models.Role) error {
	if p.Role != role {
		return apperr.New(apperr.KindNotEligible, "only %ss may do this", role)
	}
	return nil
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.Role == models.RoleDriver {
		writeJSON(w, http.StatusOK, s.Trips.ListForDriver(p.ID))
		return
	}
	writeJSON(w, http.StatusOK, s.Trips.ListForRider(r.Context(), p.ID))
}

type createTripBody struct {
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	PickupLocation string   `json:"pickup_location"`
	Destination    string   `json:"destination"`
	Fare           *float64 `json:"fare"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := requireRole(p, models.RoleRider); err != nil {
		writeError(w, err)
		return
	}
	var body createTripBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.KindInvalidArgument, "invalid body: %v", err))
		return
	}
	trip, err := s.Trips.CreateRequest(r.Context(), p.ID, models.Coord{Lat: body.Latitude, Lon: body.Longitude}, body.PickupLocation, body.Destination, body.Fare)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	trip, err := s.Trips.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	visible := trip.RiderID == p.ID
	if p.Role == models.RoleDriver {
		visible = false
		for _, d := range trip.Eligible {
			if d == p.ID {
				visible = true
			}
		}
	}
	if !visible {
		// do not reveal that the request exists
		writeError(w, apperr.New(apperr.KindNotFound, "trip request %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleDeclineTrip(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := requireRole(p, models.RoleDriver); err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Trips.Decline(r.Context(), id, p.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"req_id": id, "declined": true})
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := requireRole(p, models.RoleRider); err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Trips.Cancel(r.Context(), id, p.ID); err != nil {
		writeError(w, err)
		return
	}
	trip, err := s.Trips.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if r.URL.Query().Get("unread") == "true" {
		writeJSON(w, http.StatusOK, s.Notes.ListUnread(p))
		return
	}
	writeJSON(w, http.StatusOK, s.Notes.List(p))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.changeNotification(w, r, s.Notes.MarkRead)
}

func (s *Server) handleCancelNotification(w http.ResponseWriter, r *http.Request) {
	s.changeNotification(w, r, s.Notes.Cancel)
}

func (s *Server) changeNotification(w http.ResponseWriter, r *http.Request, fn func(models.Principal, int64) (models.Notification, error)) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := fn(principalFrom(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleAvailableDrivers(w http.ResponseWriter, r *http.Request) {
	drivers := s.Locations.Available()
	if drivers == nil {
		drivers = []models.DriverLocation{}
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleAvailableCount(w http.ResponseWriter, r *http.Request) {
	available, _ := s.Locations.Counts()
	writeJSON(w, http.StatusOK, map[string]int{"available_drivers": available})
}

func (s *Server) handleDriverCount(w http.ResponseWriter, r *http.Request) {
	available, total := s.Locations.Counts()
	writeJSON(w, http.StatusOK, map[string]int{
		"total_drivers":       total,
		"available_drivers":   available,
		"unavailable_drivers": total - available,
		"online_sessions":     s.Registry.Count(models.RoleDriver),
	})
}

// handleLogout ends the caller's live session; a driver also stops taking
// new requests.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.Role == models.RoleDriver {
		s.Locations.SetAvailability(p.ID, false)
	}
	s.Registry.Logout(p)
	s.logger.Infow("logout", "principal", p.Key())
	writeJSON(w, http.StatusOK, map[string]any{"logged_out": true})
}
