// Package admin serves the operator API: security metrics, audit queries,
// address blocks, live configuration replacement, distributor inspection
// and the Prometheus endpoint.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conneroisu/livegate/internal/config"
	"github.com/conneroisu/livegate/internal/gateway"
	"github.com/conneroisu/livegate/internal/logging"
	"github.com/conneroisu/livegate/internal/security"
	"github.com/conneroisu/livegate/internal/throttle"
)

// maxBodyBytes bounds request bodies on the API.
const maxBodyBytes = 1 << 20

// Options carries the collaborators of the admin server. Distributor,
// Gateway and Gatherer are optional.
type Options struct {
	Config      config.AdminConfig
	Security    *security.SecurityManager
	Distributor *throttle.Distributor
	Gateway     *gateway.Gateway
	Gatherer    prometheus.Gatherer
	Logger      logging.Logger
}

// Server is the admin HTTP surface.
type Server struct {
	cfg      config.AdminConfig
	sec      *security.SecurityManager
	dist     *throttle.Distributor
	gw       *gateway.Gateway
	gatherer prometheus.Gatherer
	logger   logging.Logger
}

// New creates an admin server.
func New(opts Options) (*Server, error) {
	if opts.Security == nil {
		return nil, errors.New("admin: security manager is required")
	}
	return &Server{
		cfg:      opts.Config,
		sec:      opts.Security,
		dist:     opts.Distributor,
		gw:       opts.Gateway,
		gatherer: opts.Gatherer,
		logger:   logging.OrNop(opts.Logger).WithComponent("admin"),
	}, nil
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(securityHeaders)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(requireToken(s.cfg.Token, s.logger))

	api.HandleFunc("/api/security/metrics", s.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/api/security/audit", s.handleAudit).Methods(http.MethodGet)
	api.HandleFunc("/api/security/reputation", s.handleReputation).Methods(http.MethodGet)
	api.HandleFunc("/api/security/reputation/{address}", s.handleReputationEntry).Methods(http.MethodGet)
	api.HandleFunc("/api/security/block", s.handleBlock).Methods(http.MethodPost)
	api.HandleFunc("/api/security/block/{address}", s.handleUnblock).Methods(http.MethodDelete)
	api.HandleFunc("/api/security/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/api/security/config", s.handlePutConfig).Methods(http.MethodPut)
	api.HandleFunc("/api/security/origins", s.handleAddOrigin).Methods(http.MethodPost)
	api.HandleFunc("/api/security/origins", s.handleRemoveOrigin).Methods(http.MethodDelete)

	if s.dist != nil {
		api.HandleFunc("/api/throttle/stats", s.handleThrottleStats).Methods(http.MethodGet)
		api.HandleFunc("/api/throttle/events", s.handlePublish).Methods(http.MethodPost)
		api.HandleFunc("/api/throttle/keys/{key}/history", s.handleHistory).Methods(http.MethodGet)
		api.HandleFunc("/api/throttle/keys/{key}/flush", s.handleFlush).Methods(http.MethodPost)
		api.HandleFunc("/api/throttle/keys/{key}", s.handleClear).Methods(http.MethodDelete)
	}

	if s.gw != nil {
		api.HandleFunc("/api/gateway/stats", s.handleGatewayStats).Methods(http.MethodGet)
		api.HandleFunc("/api/gateway/sessions/{id}", s.handleCloseSession).Methods(http.MethodDelete)
	}

	if s.gatherer != nil {
		api.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// HTTPServer returns an http.Server for the configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn(ctx, err, "Failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, status int, format string, args ...interface{}) {
	s.writeJSON(ctx, w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}
