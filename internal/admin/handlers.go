package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/conneroisu/livegate/internal/config"
	gateerrors "github.com/conneroisu/livegate/internal/errors"
	"github.com/conneroisu/livegate/internal/security"
	"github.com/conneroisu/livegate/internal/throttle"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, s.sec.Metrics())
}

// auditFilterFromQuery reads type, severity, address, connection_id, since
// and limit. type may repeat or hold a comma-separated list.
func auditFilterFromQuery(q map[string][]string) (security.AuditFilter, error) {
	f := security.AuditFilter{Limit: defaultAuditLimit}

	for _, v := range q["type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, security.AuditEventType(t))
			}
		}
	}
	if v := first(q, "severity"); v != "" {
		sev, err := security.ParseSeverity(v)
		if err != nil {
			return f, err
		}
		f.MinSeverity = sev
	}
	f.Address = first(q, "address")
	f.ConnectionID = first(q, "connection_id")
	if v := first(q, "since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, gateerrors.NewValidationError(gateerrors.ErrCodeValidationFailed, "since must be RFC 3339")
		}
		f.Since = since
	}
	if v := first(q, "limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, gateerrors.NewValidationError(gateerrors.ErrCodeValidationFailed, "limit must be a positive integer")
		}
		if n > maxAuditLimit {
			n = maxAuditLimit
		}
		f.Limit = n
	}
	return f, nil
}

func first(q map[string][]string, key string) string {
	if v := q[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

type auditResponse struct {
	Entries []security.AuditEntry `json:"entries"`
	Count   int                   `json:"count"`
	Total   int                   `json:"total"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(r.Context(), w, http.StatusBadRequest, "%v", err)
		return
	}

	entries := s.sec.Audit().Query(filter)
	if entries == nil {
		entries = []security.AuditEntry{}
	}
	s.writeJSON(r.Context(), w, http.StatusOK, auditResponse{
		Entries: entries,
		Count:   len(entries),
		Total:   s.sec.Audit().Count(),
	})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	entries := s.sec.Reputation().List()
	if r.URL.Query().Get("blocked") == "true" {
		blocked := entries[:0]
		for _, e := range entries {
			if e.Blocked {
				blocked = append(blocked, e)
			}
		}
		entries = blocked
	}
	if entries == nil {
		entries = []security.ReputationEntry{}
	}
	s.writeJSON(r.Context(), w, http.StatusOK, entries)
}

func (s *Server) handleReputationEntry(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	entry, ok := s.sec.Reputation().Entry(address)
	if !ok {
		s.writeError(r.Context(), w, http.StatusNotFound, "address %s is not tracked", address)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, entry)
}

type blockRequest struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(r.Context(), w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if net.ParseIP(req.Address) == nil {
		s.writeError(r.Context(), w, http.StatusBadRequest, "address must be an IP address")
		return
	}

	s.sec.BlockIP(r.Context(), req.Address, req.Reason)
	s.logger.Info(r.Context(), "Address blocked by operator", "address", req.Address, "reason", req.Reason)

	entry, _ := s.sec.Reputation().Entry(req.Address)
	s.writeJSON(r.Context(), w, http.StatusOK, entry)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if !s.sec.UnblockIP(r.Context(), address) {
		s.writeError(r.Context(), w, http.StatusNotFound, "address %s is not blocked", address)
		return
	}
	s.logger.Info(r.Context(), "Address unblocked by operator", "address", address)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.sec.Config()
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.writeJSON(r.Context(), w, http.StatusOK, cfg)
		return
	}

	out, err := config.MarshalSecurityYAML(cfg)
	if err != nil {
		s.writeError(r.Context(), w, http.StatusInternalServerError, "encoding config failed")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(out)
}

// handlePutConfig replaces the security snapshot. The body is YAML or JSON;
// omitted keys take their defaults, not their current values.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	cfg, err := config.ParseSecurityYAML(body)
	if err != nil {
		s.writeError(r.Context(), w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := s.sec.UpdateConfig(r.Context(), cfg); err != nil {
		s.writeError(r.Context(), w, errorStatus(err), "%v", err)
		return
	}

	s.logger.Info(r.Context(), "Security configuration replaced", "environment", cfg.Environment,
		"allowed_origins", len(cfg.CORS.AllowedOrigins))
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "updated"})
}

// errorStatus maps a security manager error onto a response status. Errors
// that are not GateErrors are treated as server faults.
func errorStatus(err error) int {
	switch {
	case gateerrors.HasErrorType(err, gateerrors.ErrorTypeInternal):
		return http.StatusInternalServerError
	case gateerrors.IsConfigError(err), gateerrors.IsSecurityError(err),
		gateerrors.HasErrorType(err, gateerrors.ErrorTypeValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type originRequest struct {
	Origin string `json:"origin"`
}

func (s *Server) handleAddOrigin(w http.ResponseWriter, r *http.Request) {
	s.editOrigin(w, r, s.sec.AddOrigin)
}

func (s *Server) handleRemoveOrigin(w http.ResponseWriter, r *http.Request) {
	s.editOrigin(w, r, s.sec.RemoveOrigin)
}

func (s *Server) editOrigin(w http.ResponseWriter, r *http.Request, edit func(context.Context, string) error) {
	var req originRequest
	if err := decodeJSON(r, &req); err != nil || req.Origin == "" {
		s.writeError(r.Context(), w, http.StatusBadRequest, "origin is required")
		return
	}
	if err := edit(r.Context(), req.Origin); err != nil {
		s.writeError(r.Context(), w, errorStatus(err), "%v", err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, s.sec.Config().CORS.AllowedOrigins)
}

func (s *Server) handleThrottleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, struct {
		throttle.Stats
		Keys []string `json:"keys"`
	}{s.dist.Stats(), s.dist.Keys()})
}

type publishRequest struct {
	Key      string          `json:"key"`
	Type     string          `json:"type"`
	Priority string          `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(r.Context(), w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	ev := throttle.Event{Key: req.Key, Type: req.Type, Payload: req.Payload}
	if req.Priority != "" {
		p, err := throttle.ParsePriority(req.Priority)
		if err != nil {
			s.writeError(r.Context(), w, http.StatusBadRequest, "%v", err)
			return
		}
		ev.Priority = p
	}

	if err := s.dist.Publish(r.Context(), ev); err != nil {
		s.writeError(r.Context(), w, http.StatusBadRequest, "%v", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.dist.History(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		s.writeError(r.Context(), w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	if events == nil {
		events = []throttle.Event{}
	}
	s.writeJSON(r.Context(), w, http.StatusOK, events)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.dist.Flush(r.Context(), mux.Vars(r)["key"]); err != nil {
		s.writeError(r.Context(), w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.dist.Clear(r.Context(), mux.Vars(r)["key"]); err != nil {
		s.writeError(r.Context(), w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGatewayStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, s.gw.Stats())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.gw.Close(id, "closed by operator") {
		s.writeError(r.Context(), w, http.StatusNotFound, "session %s not found", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
