// Package server exposes the coordinator's HTTP surface: task submission
// (batch JSON or SSE streaming), health and status reporting, admin
// routes, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/mcp"
	"github.com/agentmesh/agentmesh/pkg/task"
)

// AgentTable is the registry surface the server needs.
type AgentTable interface {
	Snapshot() map[string]a2a.AgentEntry
	Get(id string) (a2a.AgentEntry, bool)
	Count() int
	Refresh(ctx context.Context)
}

// HealthProber checks whether an agent endpoint is alive.
type HealthProber interface {
	Healthy(ctx context.Context, endpoint string) bool
}

// ToolServers is the MCP surface the server needs.
type ToolServers interface {
	Servers() []mcp.ServerInfo
}

// Submitter is the task-manager surface the server needs.
type Submitter interface {
	SubmitBatch(ctx context.Context, description string) map[string]any
	SubmitStream(ctx context.Context, description string) <-chan task.Event
	Get(id string) (task.Task, bool)
	Count() int
}

// Server wires the HTTP routes.
type Server struct {
	manager  Submitter
	registry AgentTable
	prober   HealthProber
	tools    ToolServers
	llmReady func() bool

	started time.Time
}

// New creates a server.
func New(manager Submitter, registry AgentTable, prober HealthProber, tools ToolServers, llmReady func() bool) *Server {
	return &Server{
		manager:  manager,
		registry: registry,
		prober:   prober,
		tools:    tools,
		llmReady: llmReady,
		started:  time.Now(),
	}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(metricsMiddleware)

	r.Post("/task", s.handleTask)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/task/{id}", s.handleTaskStatus)
	r.Post("/admin/rediscover", s.handleRediscover)
	r.Get("/admin/agents", s.handleAdminAgents)
	r.Get("/admin/mcp-servers", s.handleAdminMCPServers)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// taskRequest is the submission body. Extra fields are accepted and
// ignored.
type taskRequest struct {
	Description string `json:"description"`
}

// handleTask dispatches on the Accept header: text/event-stream gets the
// SSE lifecycle, everything else the batch envelope.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	wantsStream := strings.Contains(r.Header.Get("Accept"), "text/event-stream")

	if strings.TrimSpace(req.Description) == "" {
		if wantsStream {
			s.streamError(w, "description is required")
			return
		}
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	if wantsStream {
		tasksSubmitted.WithLabelValues("stream").Inc()
		s.streamTask(w, r, req.Description)
		return
	}

	tasksSubmitted.WithLabelValues("batch").Inc()
	out := s.manager.SubmitBatch(r.Context(), req.Description)
	writeJSON(w, http.StatusOK, out)
}

// streamTask writes the SSE lifecycle. If the client disconnects the task
// keeps running; remaining events are drained and dropped.
func (s *Server) streamTask(w http.ResponseWriter, r *http.Request, description string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Detach from the request context: client disconnect must not cancel
	// in-flight steps.
	events := s.manager.SubmitStream(context.WithoutCancel(r.Context()), description)

	clientGone := false
	for ev := range events {
		if clientGone {
			continue // drain
		}
		if err := writeSSE(w, ev); err != nil {
			slog.Debug("SSE client disconnected, draining events", "error", err)
			clientGone = true
			continue
		}
		flusher.Flush()
	}
}

// streamError emits a single SSE error event and ends the stream.
func (s *Server) streamError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	writeSSE(w, task.Event{Type: "error", Data: map[string]any{"error": message}})
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// writeSSE frames one event as "data: <json>\n\n".
func writeSSE(w http.ResponseWriter, ev task.Event) error {
	payload := make(map[string]any, len(ev.Data)+1)
	payload["event"] = ev.Type
	for k, v := range ev.Data {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"llm_ready":         s.llmReady(),
		"discovered_agents": s.registry.Count(),
	})
}

// handleStatus reports the registry snapshot with live per-agent health.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agents := map[string]any{}
	for id, entry := range s.registry.Snapshot() {
		state := "offline"
		if s.prober.Healthy(r.Context(), entry.Endpoint) {
			state = "online"
		}
		agents[id] = map[string]any{
			"name":         entry.Name,
			"endpoint":     entry.Endpoint,
			"protocol":     entry.Protocol,
			"capabilities": entry.Capabilities,
			"status":       state,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agents":       agents,
		"total_agents": len(agents),
		"active_tasks": s.manager.Count(),
		"mcp_servers":  len(s.tools.Servers()),
		"uptime":       time.Since(s.started).String(),
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRediscover(w http.ResponseWriter, r *http.Request) {
	discoveryRefreshes.Inc()
	s.registry.Refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "completed",
		"discovered_agents": s.registry.Count(),
	})
}

// handleAdminAgents returns the registry with per-agent liveness, filtered
// by agent_id when given.
func (s *Server) handleAdminAgents(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("agent_id"); id != "" {
		entry, ok := s.registry.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("agent %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, s.agentView(r.Context(), entry))
		return
	}

	agents := map[string]any{}
	for id, entry := range s.registry.Snapshot() {
		agents[id] = s.agentView(r.Context(), entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":      agents,
		"total_count": len(agents),
	})
}

func (s *Server) agentView(ctx context.Context, entry a2a.AgentEntry) map[string]any {
	state := "offline"
	if s.prober.Healthy(ctx, entry.Endpoint) {
		state = "online"
	}
	return map[string]any{
		"agent_id":         entry.ID,
		"name":             entry.Name,
		"endpoint":         entry.Endpoint,
		"protocol":         entry.Protocol,
		"capabilities":     entry.Capabilities,
		"discovery_method": entry.DiscoveryMethod,
		"status":           state,
	}
}

func (s *Server) handleAdminMCPServers(w http.ResponseWriter, r *http.Request) {
	servers := s.tools.Servers()
	writeJSON(w, http.StatusOK, map[string]any{
		"servers":     servers,
		"total_count": len(servers),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
