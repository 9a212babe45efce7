// Marcus HTTP server.
// Mounts the three MCP endpoints, a REST surface for operator tooling, and
// a WebSocket stream of coordination events.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/infrastructure/persistence"
	"github.com/marcus-ai/marcus/pkg/logger"
	"github.com/marcus-ai/marcus/pkg/mcp"
	"github.com/marcus-ai/marcus/pkg/memory"
	"github.com/marcus-ai/marcus/pkg/orchestration"
)

// SubsystemHealth reports per-subsystem state for the status surface.
// The integration registry satisfies it.
type SubsystemHealth interface {
	HealthAll() map[string]string
}

// Options carries the collaborators the server exposes. Memory, Health,
// Audit, and Subsystems may be nil; the surfaces that depend on them
// answer with structured errors instead.
type Options struct {
	Engine     *orchestration.Engine
	Bus        domain.EventBus
	Memory     *memory.Store
	Health     *orchestration.HealthScanner
	Audit      *persistence.AuditTrail
	Subsystems SubsystemHealth
	Version    string
}

// Server is the HTTP front of the coordinator.
type Server struct {
	cfg        *config.Config
	engine     *orchestration.Engine
	health     *orchestration.HealthScanner
	audit      *persistence.AuditTrail
	subsystems SubsystemHealth
	version    string

	agentMCP     *mcp.Server
	humanMCP     *mcp.Server
	analyticsMCP *mcp.Server

	wsHub  *WSHub
	bridge *EventBridge

	startTime time.Time
	server    *http.Server
}

// NewServer wires the REST, MCP, and WebSocket surfaces together.
func NewServer(cfg *config.Config, opts Options) *Server {
	// --- Secure-by-default: auto-generate API key if none is configured ---
	// Random key per session, printed once at startup. Set server.api_key
	// in config.yaml or MARCUS_SERVER_API_KEY for a persistent key.
	if cfg.Server.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.Server.APIKey = hex.EncodeToString(raw)
			fmt.Println()
			fmt.Println("╔══════════════════════════════════════════════════════╗")
			fmt.Println("║            MARCUS API KEY (session token)            ║")
			fmt.Printf("║  %-52s  ║\n", cfg.Server.APIKey)
			fmt.Println("║  Set server.api_key in config.yaml to make           ║")
			fmt.Println("║  this permanent. Rotate it any time.                 ║")
			fmt.Println("╚══════════════════════════════════════════════════════╝")
			fmt.Println()
		}
	}

	deps := mcp.Deps{
		Engine: opts.Engine,
		Memory: opts.Memory,
		Health: opts.Health,
		Audit:  opts.Audit,
	}
	s := &Server{
		cfg:          cfg,
		engine:       opts.Engine,
		health:       opts.Health,
		audit:        opts.Audit,
		subsystems:   opts.Subsystems,
		version:      opts.Version,
		agentMCP:     mcp.NewServer("agent", opts.Version, mcp.AgentToolset(deps)),
		humanMCP:     mcp.NewServer("human", opts.Version, mcp.HumanToolset(deps)),
		analyticsMCP: mcp.NewServer("analytics", opts.Version, mcp.AnalyticsToolset(deps)),
		startTime:    time.Now(),
	}
	s.wsHub = NewWSHub(s)
	s.bridge = NewEventBridge(opts.Bus, s.wsHub)
	return s
}

// routes assembles the full handler chain.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// MCP endpoints, one toolset each
	mux.Handle("/mcp/agent", mcp.HTTPHandler(s.agentMCP))
	mux.Handle("/mcp/human", mcp.HTTPHandler(s.humanMCP))
	mux.Handle("/mcp/analytics", mcp.HTTPHandler(s.analyticsMCP))

	// REST surface for the console and dashboards
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/system/info", s.handleSystemInfo)

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)

	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentByID)

	mux.HandleFunc("/api/assignments", s.handleAssignments)
	mux.HandleFunc("/api/leases", s.handleLeases)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/board/health", s.handleBoardHealth)
	mux.HandleFunc("/api/board/refresh", s.handleBoardRefresh)

	// WebSocket endpoint for live events
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	return corsMiddleware(authMiddleware(s.cfg.Server.APIKey, mux))
}

// Start begins listening on the configured host:port. Non-blocking; call
// Stop for graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Server starting", map[string]interface{}{
		"addr":      addr,
		"endpoints": []string{"/mcp/agent", "/mcp/human", "/mcp/analytics"},
	})

	go s.wsHub.Run(ctx)
	s.bridge.Run(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	status["uptime_human"] = formatDuration(time.Since(s.startTime))
	status["version"] = s.version
	if s.subsystems != nil {
		status["subsystems"] = s.subsystems.HealthAll()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	hostname, _ := os.Hostname()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hostname":    hostname,
		"go_version":  runtime.Version(),
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"cpus":        runtime.NumCPU(),
		"goroutines":  runtime.NumGoroutine(),
		"memory_mb":   float64(m.Alloc) / 1024 / 1024,
		"sys_mb":      float64(m.Sys) / 1024 / 1024,
		"gc_cycles":   m.NumGC,
		"state_dir":   s.cfg.Server.StateDir,
		"server_host": s.cfg.Server.Host,
		"server_port": s.cfg.Server.Port,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.engine.Board()

	if want := r.URL.Query().Get("status"); want != "" {
		status := coordination.ParseTaskStatus(want)
		filtered := make([]*coordination.Task, 0, len(tasks))
		for _, t := range tasks {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task id required"})
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		task, ok := s.engine.Task(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		writeJSON(w, http.StatusOK, task)

	case action == "context" && r.Method == http.MethodGet:
		taskContext, err := s.engine.TaskContext(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, taskContext)

	case action == "unassign" && r.Method == http.MethodPost:
		var req struct {
			AgentID string `json:"agent_id"`
			Reason  string `json:"reason"`
		}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&req)
		}
		if req.Reason == "" {
			req.Reason = "released by operator"
		}
		if err := s.engine.UnassignTask(r.Context(), id, req.AgentID, req.Reason); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": id, "status": "unassigned"})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "unsupported method"})
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.engine.Agents()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	})
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent id required"})
		return
	}
	agent, ok := s.engine.Agent(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.engine.Assignments()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assignments": assignments,
		"count":       len(assignments),
	})
}

func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.LeaseStatistics())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": []interface{}{}, "count": 0})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	recent := s.audit.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": recent,
		"count":  len(recent),
	})
}

func (s *Server) handleBoardHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "health scanner not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.health.Scan(r.Context()))
}

func (s *Server) handleBoardRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	if err := s.engine.RefreshBoard(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "refreshed",
		"tasks_total": len(s.engine.Board()),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeEngineError maps coordination errors to HTTP statuses, carrying the
// same wire codes the tool surface uses.
func writeEngineError(w http.ResponseWriter, err error) {
	code := coordination.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "task_not_found", "agent_not_registered":
		status = http.StatusNotFound
	case "task_not_assigned", "task_already_assigned", "agent_already_has_task":
		status = http.StatusConflict
	case "kanban_unavailable":
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
