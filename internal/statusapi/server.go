// Package statusapi exposes the local HTTP endpoint mirroring the charger
// vitals, shaped like the wall connector's own API.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/evbridge/ocpp2car/internal/bus"
	"github.com/evbridge/ocpp2car/internal/state"
)

// Server serves the latest vitals document published on the bus.
type Server struct {
	logger *logrus.Logger
	vitals <-chan *state.Vitals

	mu     sync.RWMutex
	latest *state.Vitals
}

// NewServer subscribes to the bus; Run must be started for the served
// document to track the engine.
func NewServer(b *bus.Bus, logger *logrus.Logger) *Server {
	return &Server{
		logger: logger,
		vitals: b.Subscribe(),
	}
}

// Run consumes vitals publications until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-s.vitals:
			s.mu.Lock()
			s.latest = v
			s.mu.Unlock()
		}
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(AllowCORS)

	r.Get("/api/1/vitals", s.GetVitals)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

// GetVitals serves the latest vitals document, or 503 while the OCPP session
// is down and the document cannot be trusted.
func (s *Server) GetVitals(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	v := s.latest
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if v == nil || !v.OCPPConnected {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":  "OCPP session not connected",
			"state":  "unknown",
			"status": "offline",
		})
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
