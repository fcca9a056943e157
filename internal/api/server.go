package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"guestmode/internal/guest"
	"guestmode/internal/policy"
	"guestmode/internal/shadowstate"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// apiReason is recorded as the reason of every action requested over HTTP
const apiReason = "api"

// Controller is the part of the guest mode manager the API drives
type Controller interface {
	Status() guest.Status
	ZoneStatus(key string) (guest.ZoneStatus, error)
	TurnOnMain(reason string) error
	TurnOffMain(reason string) error
	TurnOnZone(key, reason string) error
	TurnOffZone(key, reason string) error
	RestoreZoneStates(key, reason string) error
	RemoveZone(key string) error
	Reload() error
	ShadowState() *shadowstate.GuestModeShadowState
}

// Server provides HTTP API endpoints for guest mode
type Server struct {
	controller Controller
	logger     *zap.Logger
	router     *mux.Router
	server     *http.Server
}

// NewServer creates a new API server
func NewServer(controller Controller, logger *zap.Logger, port int) *Server {
	s := &Server{
		controller: controller,
		logger:     logger.Named("api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleSitemap).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/guest_mode", s.handleGetStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/guest_mode/{action:on|off}", s.handleMainAction).Methods(http.MethodPost)
	r.HandleFunc("/api/zones/{key}", s.handleGetZone).Methods(http.MethodGet)
	r.HandleFunc("/api/zones/{key}", s.handleDeleteZone).Methods(http.MethodDelete)
	r.HandleFunc("/api/zones/{key}/{action:on|off|restore}", s.handleZoneAction).Methods(http.MethodPost)
	r.HandleFunc("/api/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/api/shadow", s.handleShadow).Methods(http.MethodGet)
	s.router = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// ActionResponse is the body of a switch action. Error is set when the
// action partially failed.
type ActionResponse struct {
	Status interface{} `json:"status"`
	Error  string      `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// statusCode maps a controller error to an HTTP status
func statusCode(err error) int {
	switch {
	case errors.Is(err, guest.ErrZoneNotFound):
		return http.StatusNotFound
	case guest.IsBusy(err):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// reloadStatusCode maps a failed reload. A zones file that does not parse
// is a bad request.
func reloadStatusCode(err error) int {
	if errors.Is(err, policy.ErrInvalidDocument) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusCode(err), ErrorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleMainAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]

	var err error
	if action == "on" {
		err = s.controller.TurnOnMain(apiReason)
	} else {
		err = s.controller.TurnOffMain(apiReason)
	}

	s.logger.Info("Main switch action requested",
		zap.String("action", action),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Error(err))

	resp := ActionResponse{Status: s.controller.Status()}
	if err != nil {
		resp.Error = err.Error()
		s.writeJSON(w, statusCode(err), resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	status, err := s.controller.ZoneStatus(mux.Vars(r)["key"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleZoneAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key, action := vars["key"], vars["action"]

	var err error
	switch action {
	case "on":
		err = s.controller.TurnOnZone(key, apiReason)
	case "off":
		err = s.controller.TurnOffZone(key, apiReason)
	default:
		err = s.controller.RestoreZoneStates(key, apiReason)
	}

	s.logger.Info("Zone action requested",
		zap.String("zone", key),
		zap.String("action", action),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Error(err))

	status, statusErr := s.controller.ZoneStatus(key)
	if statusErr != nil {
		s.writeError(w, statusErr)
		return
	}

	resp := ActionResponse{Status: status}
	if err != nil {
		resp.Error = err.Error()
		s.writeJSON(w, statusCode(err), resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.controller.RemoveZone(key); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("Zone deleted", zap.String("zone", key), zap.String("remote_addr", r.RemoteAddr))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Reload(); err != nil {
		s.logger.Error("Reload failed", zap.Error(err))
		s.writeJSON(w, reloadStatusCode(err), ErrorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleShadow(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.ShadowState())
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health check"},
	{Path: "/api/guest_mode", Method: "GET", Description: "Main switch and every zone"},
	{Path: "/api/guest_mode/{on|off}", Method: "POST", Description: "Turn every zone on or off"},
	{Path: "/api/zones/{key}", Method: "GET", Description: "One zone"},
	{Path: "/api/zones/{key}/{on|off|restore}", Method: "POST", Description: "Toggle a zone or replay its snapshot"},
	{Path: "/api/zones/{key}", Method: "DELETE", Description: "Delete a zone and its helper entity"},
	{Path: "/api/reload", Method: "POST", Description: "Reload the zones file"},
	{Path: "/api/shadow", Method: "GET", Description: "Recorded inputs, outputs and recent actions"},
}

// handleSitemap lists the endpoints as HTML for browsers and plain text
// otherwise
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<!DOCTYPE html>\n<html>\n<head><title>Guest Mode API</title></head>\n<body>\n<h1>Guest Mode API</h1>\n<ul>\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  <li><b>%s</b> <code>%s</code> %s</li>\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</ul>\n</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Guest Mode API\n==============\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-7s %-36s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
