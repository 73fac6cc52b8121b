package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	types "github.com/sebas/psapconsole/api/types/v1"
	"github.com/sebas/psapconsole/internal/console/callctl"
	"github.com/sebas/psapconsole/internal/console/vcc"
)

// actionTimeout bounds an operator action started through the API.
const actionTimeout = 60 * time.Second

// PositionProvider is the operator position served by the API.
// Implemented by callctl.Position.
type PositionProvider interface {
	ID() string
	Device() string
	Calls() []callctl.CallSnapshot
	RecentCalls() []callctl.CallSnapshot
	ConferenceSnapshots() []callctl.ConferenceSnapshot
	Call(id uint64) (*callctl.Call, bool)
	Conference(id uint64) (*callctl.Conference, bool)
	NewCall(lineID string, info callctl.CallInfo) (*callctl.Call, error)
	Factory() *callctl.ConferenceFactory
	StartMonitoring(ctx context.Context, nodeID, target string) error
	StopMonitoring(ctx context.Context) error
}

// NodeProvider provides bridging node pool stats for the API.
// Implemented by vcc.Pool.
type NodeProvider interface {
	Stats() vcc.PoolStats
}

// SessionCounter reports live SIP sessions. Implemented by sipphone.Phone.
type SessionCounter interface {
	Sessions() int
}

// EventStream serves the console event websocket.
// Implemented by events.WebSocketHub.
type EventStream interface {
	http.Handler
	Clients() int
}

// Server provides the HTTP operations API of a console position
type Server struct {
	addr       string
	httpServer *http.Server
	mux        *http.ServeMux
	position   PositionProvider
	nodes      NodeProvider
	sessions   SessionCounter
	events     EventStream
	metrics    http.Handler
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(addr string, position PositionProvider, nodes NodeProvider, sessions SessionCounter) *Server {
	s := &Server{
		addr:      addr,
		position:  position,
		nodes:     nodes,
		sessions:  sessions,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/nodes", s.handleNodes)

	// Calls
	mux.HandleFunc("/api/v1/calls", s.handleCalls)
	mux.HandleFunc("/api/v1/calls/recent", s.handleRecentCalls)
	mux.HandleFunc("/api/v1/calls/", s.handleCallByID)

	// Conferences
	mux.HandleFunc("/api/v1/conferences", s.handleConferences)
	mux.HandleFunc("/api/v1/conferences/", s.handleConferenceByID)

	// Monitoring
	mux.HandleFunc("/api/v1/monitor", s.handleMonitor)

	// Event stream and metrics
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.mux = mux
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// SetEventStream sets the websocket hub served on /api/v1/events
func (s *Server) SetEventStream(es EventStream) {
	s.events = es
}

// SetMetrics exposes the metrics of g on /metrics
func (s *Server) SetMetrics(g prometheus.Gatherer) {
	s.metrics = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := types.HealthResponse{
		Status:            "ok",
		Uptime:            int64(time.Since(s.startTime).Seconds()),
		Position:          s.position.ID(),
		Device:            s.position.Device(),
		ActiveCalls:       len(s.position.Calls()),
		ActiveConferences: len(s.position.ConferenceSnapshots()),
		Nodes:             s.nodeStats(),
	}
	if s.sessions != nil {
		response.SIPSessions = s.sessions.Sessions()
	}
	if s.events != nil {
		response.EventClients = s.events.Clients()
	}
	if response.Nodes.TotalMembers > 0 && response.Nodes.HealthyMembers == 0 {
		response.Status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, response)
}

// --- Bridging nodes ---

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.nodeStats())
}

func (s *Server) nodeStats() types.NodesResponse {
	response := types.NodesResponse{Members: []types.Node{}}
	if s.nodes == nil {
		return response
	}

	stats := s.nodes.Stats()
	response.TotalMembers = stats.TotalMembers
	response.HealthyMembers = stats.HealthyMembers
	for _, m := range stats.Members {
		response.Members = append(response.Members, types.Node{
			NodeID:  m.NodeID,
			Address: m.Address,
			Healthy: m.Healthy,
			State:   m.State,
		})
	}
	return response
}

// --- Monitoring ---

// handleMonitor starts (POST) or stops (DELETE) silent monitoring.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := actionContext()
	defer cancel()

	switch r.Method {
	case http.MethodPost:
		var req types.ActionRequest
		if !s.readJSON(w, r, &req) {
			return
		}
		if req.Target == "" {
			http.Error(w, "Target required", http.StatusBadRequest)
			return
		}
		if err := s.position.StartMonitoring(ctx, req.NodeID, req.Target); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, types.ActionResponse{Message: "Monitoring started"})
	case http.MethodDelete:
		if err := s.position.StopMonitoring(ctx); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, types.ActionResponse{Message: "Monitoring stopped"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Events and metrics ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "Event stream not configured", http.StatusServiceUnavailable)
		return
	}
	s.events.ServeHTTP(w, r)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "Metrics not configured", http.StatusServiceUnavailable)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

// --- Helpers ---

// actionContext detaches operator actions from the request so a client
// disconnect does not abort a bridge operation halfway.
func actionContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), actionTimeout)
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps an operation error to an HTTP status.
func statusFor(err error) int {
	var inProgress *callctl.OperationInProgressError
	if errors.As(err, &inProgress) {
		return http.StatusConflict
	}
	switch callctl.KindOf(err) {
	case callctl.KindLineLocked:
		return http.StatusLocked
	case callctl.KindIncapable:
		return http.StatusConflict
	case callctl.KindDialFailed, callctl.KindBridgeOperation:
		return http.StatusBadGateway
	case callctl.KindTimeout:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	slog.Warn("[API] Action failed", "status", status, "error", err)
	s.writeJSON(w, status, types.ErrorResponse{
		Error: err.Error(),
		Kind:  callctl.KindOf(err).String(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
