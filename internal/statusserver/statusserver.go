// Package statusserver is the agent's localhost-only status and command
// surface consumed by the co-located user-session helper process (spec
// §4.N). It binds loopback only, rejects any other peer before routing,
// and chains loopbackOnlyMiddleware -> rateLimitMiddleware the way
// cmd/pulse-sensor-proxy's HTTP server chains
// sourceIPMiddleware -> rateLimitMiddleware -> authMiddleware.
package statusserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentmesh/agent-core/internal/config"
)

const (
	// DefaultAddr is the default loopback bind address (spec §6).
	DefaultAddr = "127.0.0.1:8443"

	rateLimitRPS   = 20
	rateLimitBurst = 40
)

// Status is the read-only snapshot returned by the status endpoints.
type Status struct {
	ConnectionState string `json:"connection_state"`
	LastSyncTS      string `json:"last_sync_ts,omitempty"`
	Configured      bool   `json:"configured"`
	Monitoring      bool   `json:"monitoring"`
	PolicyCount     int    `json:"policy_count"`
	MonitorCount    int    `json:"monitor_count"`
	ActionCount     int    `json:"action_count"`
	Version         string `json:"version"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Hostname        string `json:"hostname"`
	AgentID         string `json:"agent_id"`
}

// StatusProvider supplies the fields shown by the status endpoints. The
// supervisor implements this by reading its owned components.
type StatusProvider interface {
	Status() Status
}

// CommandHandler executes one of the small helper command surface
// commands (spec §4.N): sync, restart_monitoring, check_update,
// get_policies, get_processes.
type CommandHandler interface {
	Sync(ctx context.Context) error
	RestartMonitoring(ctx context.Context) error
	CheckUpdate(ctx context.Context) error
	GetPolicies() []config.Policy
	GetProcesses() ([]string, error)
}

// MetricsRecorder observes command outcomes and serves /metrics. The
// supervisor wires its private metrics.Registry in; nil leaves both a no-op.
type MetricsRecorder interface {
	RecordCommand(command, result string)
	Handler() http.Handler
}

// Server is the localhost status and command listener.
type Server struct {
	addr     string
	status   StatusProvider
	commands CommandHandler
	metrics  MetricsRecorder
	limiter  *rate.Limiter
	log      zerolog.Logger

	httpServer *http.Server
}

// New builds a Server bound to addr (DefaultAddr if empty). metrics may be
// nil, in which case command dispatch isn't recorded and /metrics 404s.
func New(addr string, status StatusProvider, commands CommandHandler, metrics MetricsRecorder, log zerolog.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		addr:     addr,
		status:   status,
		commands: commands,
		metrics:  metrics,
		limiter:  rate.NewLimiter(rate.Limit(rateLimitRPS), rateLimitBurst),
		log:      log.With().Str("component", "status_server").Logger(),
	}
}

// Start listens in the background. Call Shutdown to stop it.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/helper/status", s.handleHelperStatus)
	mux.HandleFunc("/api/helper/command", s.handleHelperCommand)
	mux.HandleFunc("/api/platform-users", s.handlePlatformUsers)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/", s.handleNotFound)

	s.httpServer = &http.Server{
		Handler:      s.loopbackOnlyMiddleware(s.rateLimitMiddleware(mux)),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("status server failed")
		}
	}()

	s.log.Info().Str("addr", s.addr).Msg("status server listening")
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// loopbackOnlyMiddleware rejects any peer whose remote address is not
// loopback, carrying a denial response rather than silently closing the
// connection (spec §4.N).
func (s *Server) loopbackOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			s.log.Warn().Str("remote_addr", r.RemoteAddr).Msg("rejected non-loopback status server client")
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": "agent does not accept inbound control from non-loopback peers",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware applies one shared limiter across all peers, since
// the only expected peer is the co-located helper process.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleHeartbeat is a liveness probe the helper can poll independently of
// the richer status payload.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alive": true})
}

func (s *Server) handleHelperStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.status.Status())
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleHelperCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	switch req.Command {
	case "sync":
		s.respondErr(w, req.Command, s.commands.Sync(ctx))
	case "restart_monitoring":
		s.respondErr(w, req.Command, s.commands.RestartMonitoring(ctx))
	case "check_update":
		s.respondErr(w, req.Command, s.commands.CheckUpdate(ctx))
	case "get_policies":
		s.recordCommand(req.Command, "ok")
		writeJSON(w, http.StatusOK, map[string]any{"policies": s.commands.GetPolicies()})
	case "get_processes":
		procs, err := s.commands.GetProcesses()
		if err != nil {
			s.respondErr(w, req.Command, err)
			return
		}
		s.recordCommand(req.Command, "ok")
		writeJSON(w, http.StatusOK, map[string]any{"processes": procs})
	default:
		s.recordCommand(req.Command, "unknown")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown command"})
	}
}

func (s *Server) respondErr(w http.ResponseWriter, command string, err error) {
	if err != nil {
		s.recordCommand(command, "error")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.recordCommand(command, "ok")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) recordCommand(command, result string) {
	if s.metrics != nil {
		s.metrics.RecordCommand(command, result)
	}
}

func (s *Server) handlePlatformUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	users, err := platformUsers()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": "agent does not accept inbound control on this path",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
