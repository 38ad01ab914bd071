// Package api serves flight positions to the rendering layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"flight_tracker/internal/state"
)

// Resolver is the part of the position resolver the API reads from.
type Resolver interface {
	Flights() []state.Flight
	Snapshot(mode state.Mode) []state.Position
	ReplayAt() (time.Time, bool)
	Range(ctx context.Context) (*state.TimeRange, error)
	RequestReplay(at time.Time) uint64
	Resolve(ctx context.Context, at time.Time) ([]state.Position, error)
	OnChange(fn func(state.Mode)) (remove func())
}

// Config holds configuration for the API server.
type Config struct {
	Port           int
	RequestTimeout time.Duration
	// LinkState reports the live transport state for /health. Optional.
	LinkState func() string
}

// Server exposes the resolver over HTTP and WebSocket.
type Server struct {
	res       Resolver
	port      int
	timeout   time.Duration
	linkState func() string
}

// NewServer creates a new API server.
func NewServer(res Resolver, cfg Config) *Server {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		res:       res,
		port:      cfg.Port,
		timeout:   timeout,
		linkState: cfg.LinkState,
	}
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Get("/health", s.handleHealth)
			r.Get("/flights", s.handleFlights)
			r.Get("/positions", s.handlePositions)
			r.Get("/range", s.handleRange)
			r.Post("/replay", s.handleRequestReplay)
			r.Get("/replay", s.handleResolve)
		})

		// Long-lived; no request timeout.
		r.Get("/stream", s.handleStream)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("api: listening at http://localhost%s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.linkState != nil {
		resp["link"] = s.linkState()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.res.Flights())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "mode must be live or replay")
		return
	}
	writeJSON(w, http.StatusOK, s.res.Snapshot(mode))
}

// RangeResponse bounds the scrubbable window in epoch milliseconds.
type RangeResponse struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	tr, err := s.res.Range(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if tr == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, RangeResponse{Min: tr.Min.UnixMilli(), Max: tr.Max.UnixMilli()})
}

// ReplayRequest is the body of POST /replay. At accepts epoch milliseconds
// or an RFC3339 string.
type ReplayRequest struct {
	At state.FlexTime `json:"at"`
}

// ReplayAccepted identifies the replay round that was scheduled.
type ReplayAccepted struct {
	Seq uint64 `json:"seq"`
}

func (s *Server) handleRequestReplay(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if req.At.Time().IsZero() {
		writeError(w, http.StatusBadRequest, "at is required")
		return
	}
	seq := s.res.RequestReplay(req.At.Time())
	writeJSON(w, http.StatusAccepted, ReplayAccepted{Seq: seq})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	at, err := parseInstant(r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := s.res.Resolve(r.Context(), at)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func modeParam(r *http.Request) (state.Mode, bool) {
	v := r.URL.Query().Get("mode")
	if v == "" {
		return state.ModeLive, true
	}
	return state.ParseMode(strings.ToLower(v))
}

// parseInstant accepts epoch milliseconds or RFC3339.
func parseInstant(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("at is required")
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid at %q (use epoch ms or RFC3339)", v)
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
