// Package task owns the task lifecycle: sequential IDs, the active-task
// table, and the two submission paths (batch and streaming) that drive
// planning and execution.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/pkg/executor"
	"github.com/agentmesh/agentmesh/pkg/planner"
)

// Status of a task. Transitions: pending → planning → executing →
// completed | failed. completed_at is set exactly at the terminal
// transition.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is one tracked submission. Records live for the process lifetime;
// pruning is left to an external reaper.
type Task struct {
	ID          string                `json:"task_id"`
	Description string                `json:"description"`
	Status      Status                `json:"status"`
	CreatedAt   time.Time             `json:"created_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Result      map[string]any        `json:"result,omitempty"`
	Records     []executor.StepRecord `json:"execution_results,omitempty"`
}

// Event is one streaming lifecycle event. Type goes into the "event" field
// of the emitted JSON object, alongside Data's fields.
type Event struct {
	Type string
	Data map[string]any
}

// Compiler turns a description into a plan.
type Compiler interface {
	Compile(ctx context.Context, description string, onChunk func(string)) (*planner.Plan, map[string]any, error)
}

// Runner executes plans and the fallback path.
type Runner interface {
	Execute(ctx context.Context, taskID string, plan *planner.Plan, emit executor.EmitFunc) executor.Summary
	Fallback(ctx context.Context, taskID, description, reason string, emit executor.EmitFunc) (map[string]any, error)
}

// Manager owns the task table.
type Manager struct {
	compiler Compiler
	runner   Runner
	timeout  time.Duration // bound on one task end to end

	counter atomic.Int64
	mu      sync.RWMutex
	tasks   map[string]*Task
}

// NewManager creates a manager. timeout bounds total task processing.
func NewManager(compiler Compiler, runner Runner, timeout time.Duration) *Manager {
	return &Manager{
		compiler: compiler,
		runner:   runner,
		timeout:  timeout,
		tasks:    make(map[string]*Task),
	}
}

func (m *Manager) newTask(description string) *Task {
	t := &Task{
		ID:          fmt.Sprintf("task_%d", m.counter.Add(1)),
		Description: description,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return t
}

func (m *Manager) setStatus(t *Task, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Status = status
	if status == StatusCompleted || status == StatusFailed {
		now := time.Now()
		t.CompletedAt = &now
	}
}

// Get returns a copy of the task record.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Count returns the number of tracked tasks.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// SubmitBatch processes a task to completion and returns the final
// envelope: {task_id, status, result}.
func (m *Manager) SubmitBatch(ctx context.Context, description string) map[string]any {
	t := m.newTask(description)
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	discard := func(string, map[string]any) {}
	result := m.process(ctx, t, nil, discard)

	return map[string]any{
		"task_id": t.ID,
		"status":  string(t.Status),
		"result":  result,
	}
}

// SubmitStream processes a task while emitting lifecycle events on the
// returned channel. The channel is closed after the terminal event; the
// consumer must drain it.
func (m *Manager) SubmitStream(ctx context.Context, description string) <-chan Event {
	t := m.newTask(description)
	events := make(chan Event, 64)

	go func() {
		defer close(events)
		ctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()

		emit := func(event string, data map[string]any) {
			events <- Event{Type: event, Data: data}
		}

		emit("task_started", map[string]any{
			"task_id":     t.ID,
			"description": description,
		})

		onChunk := func(chunk string) {
			emit("llm_analysis_progress", map[string]any{"chunk": chunk})
		}
		result := m.process(ctx, t, onChunk, emit)

		stats := executionStats(t.Records)
		summary := summaryOf(t)
		emit("task_completed", map[string]any{
			"task_id":          t.ID,
			"total_steps":      summary.total,
			"successful_steps": summary.successful,
			"failed_steps":     summary.failed,
			"duration":         time.Since(t.CreatedAt).Milliseconds(),
			"execution_stats":  stats,
			"final_result":     result,
		})
	}()

	return events
}

// process drives planning and execution for one task and returns the
// result object. Status and records are written onto the task.
func (m *Manager) process(ctx context.Context, t *Task, onChunk func(string), emit executor.EmitFunc) map[string]any {
	m.setStatus(t, StatusPlanning)
	emit("llm_analysis_started", map[string]any{"task_id": t.ID})

	plan, decision, err := m.compiler.Compile(ctx, t.Description, onChunk)
	if err != nil {
		// The raw model reply is reported even when it yielded no plan.
		var planErr *planner.PlanError
		if errors.As(err, &planErr) && planErr.Content != "" {
			emit("llm_analysis_completed", map[string]any{"analysis": planErr.Content})
		}
		slog.Warn("Plan compilation failed, running fallback", "task_id", t.ID, "error", err)
		return m.runFallback(ctx, t, decision, err, emit)
	}

	emit("llm_analysis_completed", map[string]any{"analysis": plan.Content})
	emit("llm_decision_made", map[string]any{"decision": decision})

	m.setStatus(t, StatusExecuting)
	summary := m.runner.Execute(ctx, t.ID, plan, emit)

	m.mu.Lock()
	t.Records = summary.Records
	m.mu.Unlock()

	result := map[string]any{
		"task_id":            t.ID,
		"execution_strategy": plan.Strategy,
		"llm_decision":       decision,
		"execution_results":  summary.Records,
		"total_steps":        len(summary.Records),
		"completed_steps":    summary.Successful,
		"summary": fmt.Sprintf("Task execution completed. strategy: %s, successful steps: %d/%d",
			plan.Strategy, summary.Successful, len(summary.Records)),
	}

	m.mu.Lock()
	t.Result = result
	m.mu.Unlock()
	m.setStatus(t, StatusCompleted)
	return result
}

// runFallback handles the degraded path after plan compilation failure.
func (m *Manager) runFallback(ctx context.Context, t *Task, decision map[string]any, planErr error, emit executor.EmitFunc) map[string]any {
	m.setStatus(t, StatusExecuting)

	fallbackResult, err := m.runner.Fallback(ctx, t.ID, t.Description, planErr.Error(), emit)

	result := map[string]any{
		"task_id":            t.ID,
		"execution_strategy": "fallback",
		"llm_decision":       decision,
		"plan_error":         planErr.Error(),
	}

	if err != nil {
		result["error"] = err.Error()
		result["summary"] = "Task failed. strategy: fallback"
		m.mu.Lock()
		t.Result = result
		m.mu.Unlock()
		m.setStatus(t, StatusFailed)
		return result
	}

	result["execution_results"] = []map[string]any{{"success": true, "result": fallbackResult}}
	result["total_steps"] = 1
	result["completed_steps"] = 1
	result["summary"] = "Task execution completed. strategy: fallback, successful steps: 1/1"

	m.mu.Lock()
	t.Result = result
	m.mu.Unlock()
	m.setStatus(t, StatusCompleted)
	return result
}

type stepTotals struct {
	total, successful, failed int
}

func summaryOf(t *Task) stepTotals {
	var s stepTotals
	for _, r := range t.Records {
		s.total++
		if r.Success {
			s.successful++
		} else {
			s.failed++
		}
	}
	return s
}

// executionStats derives the deduplicated agents_used / tools_used lists
// from the step log.
func executionStats(records []executor.StepRecord) map[string]any {
	var agents, tools []string
	seenAgents := map[string]bool{}
	seenTools := map[string]bool{}

	for _, r := range records {
		switch r.Action {
		case "agent_call":
			if !seenAgents[r.Target] {
				seenAgents[r.Target] = true
				agents = append(agents, r.Target)
			}
		case "tool_use":
			if !seenTools[r.Target] {
				seenTools[r.Target] = true
				tools = append(tools, r.Target)
			}
		}
	}

	if agents == nil {
		agents = []string{}
	}
	if tools == nil {
		tools = []string{}
	}
	return map[string]any{
		"agents_used": agents,
		"tools_used":  tools,
	}
}
