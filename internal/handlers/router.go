package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xelth-com/eckdisplay/internal/buildinfo"
	"github.com/xelth-com/eckdisplay/internal/codes"
	"github.com/xelth-com/eckdisplay/internal/directory"
	"github.com/xelth-com/eckdisplay/internal/dispatch"
	"github.com/xelth-com/eckdisplay/internal/metrics"
	"github.com/xelth-com/eckdisplay/internal/middleware"
	"github.com/xelth-com/eckdisplay/internal/models"
	"github.com/xelth-com/eckdisplay/internal/pairing"
	"github.com/xelth-com/eckdisplay/internal/plans"
)

// Deps are the components the HTTP surface calls into
type Deps struct {
	Coordinator   *pairing.Coordinator
	Dispatcher    *dispatch.Dispatcher
	Plans         *plans.Store
	Gateway       http.Handler
	JWTSecret     string
	PublicBaseURL string

	// Health reports storage reachability; nil means always healthy
	Health func(ctx context.Context) error

	// Connections reports the number of open display connections
	Connections func() int

	Log *slog.Logger
}

// Router wraps the mux router and the service components
type Router struct {
	*mux.Router
	coord   *pairing.Coordinator
	disp    *dispatch.Dispatcher
	plans   *plans.Store
	baseURL string
	health  func(ctx context.Context) error
	conns   func() int
	log     *slog.Logger
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(d Deps) *Router {
	r := &Router{
		Router:  mux.NewRouter(),
		coord:   d.Coordinator,
		disp:    d.Dispatcher,
		plans:   d.Plans,
		baseURL: d.PublicBaseURL,
		health:  d.Health,
		conns:   d.Connections,
		log:     d.Log.With("component", "http"),
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	if d.Gateway != nil {
		r.Handle("/ws", d.Gateway)
	}

	r.HandleFunc("/api/status", r.getStatus).Methods("GET")

	// Unauthenticated display endpoints
	public := r.PathPrefix("/api/public").Subrouter()
	public.HandleFunc("/devices/{id}/view", r.publicView).Methods("GET")
	public.HandleFunc("/registration-codes", r.requestRegistrationCode).Methods("POST")
	public.HandleFunc("/pairing/{code}/qr.png", r.pairingQR).Methods("GET")

	// Admin control plane
	admin := r.PathPrefix("/api").Subrouter()
	admin.Use(middleware.AuthMiddleware(d.JWTSecret), middleware.RequireAdmin)

	admin.HandleFunc("/devices/pair", r.registerByPairingCode).Methods("POST")
	admin.HandleFunc("/devices/register", r.registerByCode).Methods("POST")
	admin.HandleFunc("/devices/activate", r.activateByCode).Methods("POST")
	admin.HandleFunc("/scan", r.handleScan).Methods("POST")
	admin.HandleFunc("/devices/{id}/dayplan", r.assignDayPlan).Methods("PUT")
	admin.HandleFunc("/devices/{id}", r.updateDevice).Methods("PATCH")
	admin.HandleFunc("/devices/{id}", r.deleteDevice).Methods("DELETE")
	admin.HandleFunc("/organisations/{orgId}/devices", r.listDevices).Methods("GET")

	admin.HandleFunc("/registration-codes", r.issueRegistrationCode).Methods("POST")
	admin.HandleFunc("/registration-codes/{code}/card.pdf", r.registrationCard).Methods("GET")

	admin.HandleFunc("/dayplans", r.createDayPlan).Methods("POST")
	admin.HandleFunc("/dayplans/{id}", r.getDayPlan).Methods("GET")
	admin.HandleFunc("/dayplans/{id}", r.updateDayPlan).Methods("PUT")

	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	if r.health != nil {
		if err := r.health(req.Context()); err != nil {
			r.log.Warn("health check failed", "error", err)
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getStatus returns build information and live connection count
func (r *Router) getStatus(w http.ResponseWriter, req *http.Request) {
	connections := 0
	if r.conns != nil {
		connections = r.conns()
	}
	status := buildinfo.Fields()
	status["status"] = "running"
	status["connections"] = connections
	respondJSON(w, http.StatusOK, status)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// fail maps err to a status; unexpected errors are logged and hidden
func (r *Router) fail(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		r.log.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, directory.ErrNotFound), errors.Is(err, plans.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pairing.ErrAlreadyPaired):
		return http.StatusConflict
	case errors.Is(err, pairing.ErrExpired):
		return http.StatusGone
	case errors.Is(err, pairing.ErrForbidden), errors.Is(err, dispatch.ErrInactive):
		return http.StatusForbidden
	case errors.Is(err, pairing.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, codes.ErrCodeSpaceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrInvalidDayPlan):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(v)
}
