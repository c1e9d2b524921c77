package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/supervisor"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Version    string                    `json:"version"`
	Instance   string                    `json:"instance,omitempty"`
	Uptime     float64                   `json:"uptime_seconds"`
	Modules    []supervisor.RuntimeState `json:"modules"`
	Bus        BusStatus                 `json:"bus"`
	Peers      int                       `json:"peers"`
	Broker     *BrokerStatus             `json:"broker,omitempty"`
	Navigation *eventbus.Event           `json:"navigation,omitempty"`
}

// BusStatus mirrors eventbus.Metrics for the wire.
type BusStatus struct {
	Published   uint64 `json:"published"`
	Ingested    uint64 `json:"ingested"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Errors      uint64 `json:"handler_errors"`
	Subscribers int    `json:"subscribers"`
	History     int    `json:"history"`
}

// BrokerStatus reports hub fan-out counters.
type BrokerStatus struct {
	Relayed uint64 `json:"relayed"`
	Dropped uint64 `json:"dropped"`
}

// ModuleActionRequest is the body of POST /modules/{start,stop,restart}.
type ModuleActionRequest struct {
	Name string `json:"name"`
}

// PublishRequest is the body of POST /events.
type PublishRequest struct {
	Kind    string           `json:"kind"`
	Payload eventbus.Payload `json:"payload"`
	Source  string           `json:"source,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}

	m := s.bus.Metrics()
	resp := StatusResponse{
		Version:  s.version,
		Instance: s.instance,
		Uptime:   time.Since(s.started).Seconds(),
		Modules:  []supervisor.RuntimeState{},
		Bus: BusStatus{
			Published:   m.PublishTotal,
			Ingested:    m.IngestTotal,
			Delivered:   m.DeliveredTotal,
			Dropped:     m.DroppedTotal,
			Errors:      m.HandlerErrors,
			Subscribers: m.Subscribers,
			History:     m.HistoryLen,
		},
	}
	if s.modules != nil {
		resp.Modules = s.modules.Status()
	}
	if s.hub != nil {
		resp.Peers = s.hub.PeerCount()
		relayed, dropped := s.hub.Stats()
		resp.Broker = &BrokerStatus{Relayed: relayed, Dropped: dropped}
	}
	if recent := s.bus.Recent(eventbus.KindNavigationStatus, 1); len(recent) == 1 {
		resp.Navigation = &recent[0]
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "lifecycle journal disabled")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	module := strings.TrimSpace(r.URL.Query().Get("module"))

	entries, err := s.history.Recent(r.Context(), module, limit)
	if err != nil {
		s.logger.Warn("journal query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("journal query failed: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleModuleAction(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.modules == nil {
		s.writeError(w, http.StatusServiceUnavailable, "supervisor unavailable")
		return
	}

	var req ModuleActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	action := path.Base(r.URL.Path)
	s.logger.Info("operator module action", zap.String("action", action), zap.String("module", name))

	var err error
	switch action {
	case "stop":
		err = s.modules.Stop(r.Context(), name)
	case "start":
		_, err = s.modules.Start(r.Context(), name)
	case "restart":
		err = s.modules.Stop(r.Context(), name)
		if err == nil {
			_, err = s.modules.Start(r.Context(), name)
		}
	}
	if err != nil {
		s.writeError(w, moduleErrorStatus(err), err.Error())
		return
	}

	state, err := s.modules.Module(name)
	if err != nil {
		s.writeError(w, moduleErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		s.listEvents(w, r)
	case http.MethodPost:
		s.publishEvent(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	var kind eventbus.Kind
	if raw := strings.TrimSpace(r.URL.Query().Get("kind")); raw != "" {
		parsed, err := eventbus.ParseKind(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = parsed
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events := s.bus.Recent(kind, limit)
	if events == nil {
		events = []eventbus.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}
	kind, err := eventbus.ParseKind(req.Kind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	source := eventbus.SourceOperator
	if req.Source != "" {
		source = eventbus.Source(req.Source)
	}

	evt := s.bus.Publish(kind, req.Payload, source)
	s.logger.Debug("operator event published", zap.String("kind", string(kind)), zap.String("id", evt.ID))
	s.writeJSON(w, http.StatusAccepted, evt)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.metrics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metrics exporter not configured")
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

func moduleErrorStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknownModule):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrRestartPending):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
