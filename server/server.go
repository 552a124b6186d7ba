// Package server is the internal ops surface of the daemon: health, a
// websocket stream of finished runs, a manual-test trigger, and idempotent
// event intake. It is not the public CRUD API; bind it to localhost or a
// private network.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cronicorn/cronicorn/schedule"
	"github.com/cronicorn/cronicorn/webhook"
)

// SchedulerStats exposes loop counters for the health payload. Implemented
// by *schedule.Ticker.
type SchedulerStats interface {
	Stats() map[string]interface{}
}

// Server is the ops HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *Hub
	jobs       *schedule.JobsStore
	runs       *schedule.RunsStore
	events     *webhook.EventStore
	dispatcher schedule.Dispatcher
	scheduler  SchedulerStats
	db         *sql.DB
	logger     *zap.SugaredLogger
	startedAt  time.Time
}

// New creates the ops server around an existing broadcast hub (so the
// scheduler can be wired to the same hub before the server exists).
// scheduler and dispatcher may be nil; the corresponding handlers report
// unavailable.
func New(addr string, hub *Hub, db *sql.DB, jobs *schedule.JobsStore, runs *schedule.RunsStore, events *webhook.EventStore, dispatcher schedule.Dispatcher, scheduler SchedulerStats, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if hub == nil {
		hub = NewHub(log)
	}

	s := &Server{
		hub:        hub,
		jobs:       jobs,
		runs:       runs,
		events:     events,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		db:         db,
		logger:     log,
		startedAt:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /internal/runs/stream", s.handleRunStream)
	mux.HandleFunc("POST /internal/endpoints/{id}/test", s.handleManualTest)
	mux.HandleFunc("POST /internal/events/{provider}", s.handleEvent)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Hub returns the run broadcaster, wired into the scheduler as its
// RunBroadcaster.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the listener and the broadcast hub. Blocks until the listener
// stops; run it in a goroutine.
func (s *Server) Start() error {
	s.hub.Start()
	s.logger.Infow("Ops server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections and stops the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Stop()
	return err
}
