// Package diag exposes a read-only gorilla/mux HTTP server reporting
// shadow snapshots, the Radio Manager's current switch state and pool
// counters, the "user-visible behavior" surface called for in §7.
// Modeled on glennswest-ipmiserial's server package: a thin Server type
// wrapping a *mux.Router, routes registered once in New, a logging
// middleware, graceful shutdown via context.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/collarcore/radiocore/pool"
	"github.com/collarcore/radiocore/radio"
	"github.com/collarcore/radiocore/shadow"
)

var log = logrus.WithField("subsystem", "diag")

// PoolStats is the subset of pool.Pool counters worth exposing.
type PoolStats struct {
	Outstanding  int   `json:"outstanding"`
	TotalRefs    int64 `json:"total_refs"`
	PendingDepth int   `json:"pending_depth"`
}

type Server struct {
	addr    string
	wifi    *shadow.State
	rm      *radio.Manager
	msgPool *pool.Pool
	router  *mux.Router
	http    *http.Server
}

func New(addr string, wifi *shadow.State, rm *radio.Manager, msgPool *pool.Pool) *Server {
	s := &Server{
		addr:    addr,
		wifi:    wifi,
		rm:      rm,
		msgPool: msgPool,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/shadow", s.handleShadow).Methods("GET")
	api.HandleFunc("/radio", s.handleRadio).Methods("GET")
	api.HandleFunc("/pool", s.handlePool).Methods("GET")
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("diag request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleShadow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.wifi.Snapshot())
}

func (s *Server) handleRadio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"active_radio": s.rm.GetActiveMqttRadio().String(),
		"switching":    s.rm.IsSwitching(),
		"srs_state":    s.rm.CurrentState().String(),
		"ready":        s.rm.ReadyForMqtt(),
	})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, PoolStats{
		Outstanding:  s.msgPool.Outstanding(),
		TotalRefs:    s.msgPool.TotalRefs(),
		PendingDepth: s.msgPool.PendingDepth(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed encoding diag response")
	}
}

// Run blocks serving HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.router.Use(loggingMiddleware)
	s.http = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		log.Info("diag server shutting down")
		s.http.Shutdown(context.Background())
	}()

	log.Infof("diag server listening on %s", s.addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return fmt.Errorf("diag server: %w", err)
}
