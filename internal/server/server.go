// Package server exposes the broker over a small HTTP admin and data API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"streamlog/internal/broker"
	"streamlog/internal/errs"
	"streamlog/internal/metrics"
)

const (
	defaultReadCount = 10
	maxReadCount     = 10000
)

// Server wraps the broker with the HTTP router.
type Server struct {
	broker     *broker.Broker
	router     *mux.Router
	httpServer *http.Server
	logger     *logrus.Entry
}

// New builds the router. The topic counters are registered on registry so
// they appear on /metrics next to the default collectors.
func New(b *broker.Broker, registry *prometheus.Registry, logger *logrus.Entry) (*Server, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := registry.Register(metrics.NewCollector(b)); err != nil {
		return nil, fmt.Errorf("failed to register topic collector: %w", err)
	}
	s := &Server{
		broker: b,
		router: mux.NewRouter(),
		logger: logger,
	}
	s.setupRoutes(prometheus.Gatherers{prometheus.DefaultGatherer, registry})
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes defines all the API endpoints for the broker.
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	// Streams and topics
	s.router.HandleFunc("/streams", s.handleCreateStream).Methods("POST")
	s.router.HandleFunc("/streams", s.handleGetStreams).Methods("GET")
	s.router.HandleFunc("/streams/{stream}", s.handleGetStream).Methods("GET")
	s.router.HandleFunc("/streams/{stream}", s.handleDeleteStream).Methods("DELETE")
	s.router.HandleFunc("/streams/{stream}/topics", s.handleCreateTopic).Methods("POST")
	s.router.HandleFunc("/streams/{stream}/topics/{topic}", s.handleGetTopic).Methods("GET")
	s.router.HandleFunc("/streams/{stream}/topics/{topic}", s.handleDeleteTopic).Methods("DELETE")

	// Partitions and consumer groups
	s.router.HandleFunc("/streams/{stream}/topics/{topic}/partitions", s.handleCreatePartitions).Methods("POST")
	s.router.HandleFunc("/streams/{stream}/topics/{topic}/partitions", s.handleDeletePartitions).Methods("DELETE")
	s.router.HandleFunc("/streams/{stream}/topics/{topic}/consumer-groups", s.handleCreateConsumerGroup).Methods("POST")
	s.router.HandleFunc("/streams/{stream}/topics/{topic}/consumer-groups/{group}", s.handleDeleteConsumerGroup).Methods("DELETE")

	// Messages and offsets
	s.router.HandleFunc("/streams/{stream}/topics/{topic}/messages", s.handleAppend).Methods("POST")
	s.router.HandleFunc("/streams/{stream}/topics/{topic}/partitions/{partition}/messages", s.handleRead).Methods("GET")
	s.router.HandleFunc("/streams/{stream}/topics/{topic}/partitions/{partition}/offsets/{kind}/{consumer}", s.handleStoreOffset).Methods("PUT")
	s.router.HandleFunc("/streams/{stream}/topics/{topic}/partitions/{partition}/offsets/{kind}/{consumer}", s.handleGetOffset).Methods("GET")
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("API server listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindAlreadyExists:
		return http.StatusConflict
	case errs.KindOffsetOutOfRange:
		return http.StatusRequestedRangeNotSatisfiable
	case errs.KindInvalidConfig:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	resp := errorResponse{Error: err.Error()}
	if k := errs.KindOf(err); k != 0 {
		resp.Kind = k.String()
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// idVar parses a numeric path variable.
func idVar(r *http.Request, name string) (uint32, error) {
	v, err := strconv.ParseUint(mux.Vars(r)[name], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s id %q", name, mux.Vars(r)[name])
	}
	return uint32(v), nil
}

// idVars parses several numeric path variables in order.
func idVars(r *http.Request, names ...string) ([]uint32, error) {
	out := make([]uint32, len(names))
	for i, n := range names {
		id, err := idVar(r, n)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Stats())
}
