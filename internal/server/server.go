// Package server exposes the coordination API over HTTP.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flightdeck-io/flightdeck/internal/engine"
	"github.com/flightdeck-io/flightdeck/internal/metrics"
	"github.com/flightdeck-io/flightdeck/internal/storage"
)

// Server wires the engine and store behind a chi router.
type Server struct {
	engine *engine.Engine
	store  storage.Storage
	log    *zap.Logger
}

// New constructs the HTTP facade.
func New(eng *engine.Engine, store storage.Storage, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: eng, store: store, log: log}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Post("/claim", s.handleClaim)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Patch("/", s.handlePatchTask)
			r.Delete("/", s.handleDeleteTask)
			r.Get("/history", s.handleTaskHistory)
			r.Post("/submit", s.handleSubmit)
			r.Post("/accept", s.handleAccept)
			r.Post("/reject", s.handleReject)
			r.Post("/requeue", s.handleRequeue)
			r.Post("/block", s.handleBlock)
			r.Post("/unblock", s.handleUnblock)
			r.Post("/hooks/{hook}/complete", s.handleCompleteHook)
		})
	})

	r.Route("/orchestrators", func(r chi.Router) {
		r.Post("/register", s.handleRegisterOrchestrator)
		r.Get("/", s.handleListOrchestrators)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
	})

	r.Get("/scheduler/poll", s.handleSchedulerPoll)

	r.Route("/roles", func(r chi.Router) {
		r.Get("/", s.handleListRoles)
		r.Post("/", s.handleUpsertRole)
	})
	r.Route("/flows", func(r chi.Router) {
		r.Get("/", s.handleListFlows)
		r.Post("/", s.handleUpsertFlow)
	})
	r.Route("/messages", func(r chi.Router) {
		r.Get("/", s.handleListMessages)
		r.Post("/", s.handleCreateMessage)
	})
	r.Route("/actions", func(r chi.Router) {
		r.Get("/", s.handleListActions)
		r.Post("/", s.handleCreateAction)
	})

	return r
}

// observe counts requests by route pattern and status.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.CountQueues(r.Context(), "health"); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
