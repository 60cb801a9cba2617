// Package executor walks execution plans step by step, dispatching to
// remote agents and MCP tools and emitting lifecycle events. A failing
// step is recorded and the plan continues; nothing a step does can abort
// the task.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/planner"
)

// EmitFunc receives one lifecycle event. data must be JSON-serializable.
type EmitFunc func(event string, data map[string]any)

// StepRecord is the durable outcome of one plan step.
type StepRecord struct {
	Step       int            `json:"step_number"`
	Action     string         `json:"action"`
	Target     string         `json:"target"`
	Task       string         `json:"task"`
	Success    bool           `json:"success"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Summary aggregates a finished execution.
type Summary struct {
	Records    []StepRecord
	Successful int
	Failed     int
	DurationMS int64
}

// AgentCaller dispatches one message to a remote agent.
type AgentCaller interface {
	CallAgent(ctx context.Context, entry a2a.AgentEntry, text string, contextData map[string]any) (map[string]any, error)
}

// AgentDirectory is the registry surface the executor needs.
type AgentDirectory interface {
	Get(id string) (a2a.AgentEntry, bool)
	AgentIDs() []string
}

// ToolRunner is the MCP surface the executor needs.
type ToolRunner interface {
	EnsureServer(ctx context.Context, name string) error
	CallTool(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error)
	ServerForTool(tool string) (string, bool)
	Names() []string
}

// Executor dispatches plan steps.
type Executor struct {
	registry AgentDirectory
	caller   AgentCaller
	tools    ToolRunner
}

// New creates an executor.
func New(registry AgentDirectory, caller AgentCaller, tools ToolRunner) *Executor {
	return &Executor{registry: registry, caller: caller, tools: tools}
}

// Execute walks the plan's steps in order. The dependencies field on steps
// is advisory: steps are never reordered, parallelized, or skipped. All
// prior step records are threaded into each step as previous_results.
func (e *Executor) Execute(ctx context.Context, taskID string, plan *planner.Plan, emit EmitFunc) Summary {
	start := time.Now()
	emit("execution_started", map[string]any{
		"strategy":    plan.Strategy,
		"total_steps": len(plan.Steps),
	})

	records := make([]StepRecord, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		emit("step_started", map[string]any{
			"step_number":      step.Step,
			"step_description": fmt.Sprintf("%s -> %s: %s", step.Action, step.Target, step.Task),
			"action":           step.Action,
			"target":           step.Target,
			"task":             step.Task,
		})

		record := e.runStep(ctx, step, records, emit)
		records = append(records, record)

		// agent_call successes are already covered by agent_call_completed.
		if !record.Success || step.Action != "agent_call" {
			data := map[string]any{
				"step_number": record.Step,
				"action":      record.Action,
				"target":      record.Target,
				"success":     record.Success,
				"duration":    record.DurationMS,
			}
			if record.Success {
				data["result"] = record.Result
			} else {
				data["error"] = record.Error
			}
			emit("step_completed", data)
		}
	}

	summary := Summary{Records: records, DurationMS: time.Since(start).Milliseconds()}
	for _, r := range records {
		if r.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}

	emit("execution_completed", map[string]any{
		"total_steps":      len(records),
		"successful_steps": summary.Successful,
		"failed_steps":     summary.Failed,
		"total_duration":   summary.DurationMS,
		"results":          records,
	})

	slog.Info("Plan execution finished",
		"task_id", taskID, "total", len(records),
		"successful", summary.Successful, "failed", summary.Failed)
	return summary
}

func (e *Executor) runStep(ctx context.Context, step planner.Step, prior []StepRecord, emit EmitFunc) StepRecord {
	record := StepRecord{
		Step:   step.Step,
		Action: step.Action,
		Target: step.Target,
		Task:   step.Task,
	}
	start := time.Now()

	switch step.Action {
	case "agent_call":
		e.runAgentCall(ctx, step, prior, &record, emit)
	case "tool_use":
		e.runToolUse(ctx, step, &record, emit)
	case "coordination":
		// Transport no-op: aggregation marker emitted by the planner.
		record.Success = true
		record.Result = map[string]any{
			"success":             true,
			"coordination_target": step.Target,
			"description":         step.Task,
			"processed_results":   len(prior),
		}
	default:
		record.Error = fmt.Sprintf("Unknown action: %s", step.Action)
	}

	record.DurationMS = time.Since(start).Milliseconds()
	return record
}

func (e *Executor) runAgentCall(ctx context.Context, step planner.Step, prior []StepRecord, record *StepRecord, emit EmitFunc) {
	emit("agent_call_started", map[string]any{"agent_id": step.Target})

	entry, ok := e.registry.Get(step.Target)
	if !ok {
		record.Error = fmt.Sprintf("Agent not found: %s", step.Target)
		return
	}

	contextData := map[string]any{"previous_results": previousResults(prior)}
	start := time.Now()
	result, err := e.caller.CallAgent(ctx, entry, step.Task, contextData)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		record.Error = err.Error()
		return
	}

	record.Success = true
	record.Result = result
	emit("agent_call_completed", map[string]any{
		"agent_id": step.Target,
		"result":   result,
		"duration": duration,
	})
}

func (e *Executor) runToolUse(ctx context.Context, step planner.Step, record *StepRecord, emit EmitFunc) {
	emit("mcp_tool_used", map[string]any{"tool": step.Target})

	server, tool, err := e.resolveTool(ctx, step.Target)
	if err != nil {
		record.Error = err.Error()
		return
	}

	if err := e.tools.EnsureServer(ctx, server); err != nil {
		record.Error = err.Error()
		return
	}

	result, err := e.tools.CallTool(ctx, server, tool, map[string]any{"task": step.Task})
	if err != nil {
		record.Error = err.Error()
		return
	}
	record.Success = true
	record.Result = result
}

// resolveTool splits "server:tool" on the first colon; a bare tool name is
// located by scanning the known servers' tool lists.
func (e *Executor) resolveTool(ctx context.Context, target string) (server, tool string, err error) {
	if i := strings.IndexByte(target, ':'); i >= 0 {
		return target[:i], target[i+1:], nil
	}

	if server, ok := e.tools.ServerForTool(target); ok {
		return server, target, nil
	}

	// Caches may be cold: start servers lazily, then rescan.
	for _, name := range e.tools.Names() {
		if err := e.tools.EnsureServer(ctx, name); err != nil {
			slog.Debug("Tool server unavailable during lookup", "server", name, "error", err)
		}
	}
	if server, ok := e.tools.ServerForTool(target); ok {
		return server, target, nil
	}
	return "", "", fmt.Errorf("no MCP server provides tool %q", target)
}

// previousResults converts prior records into the context blob agents see.
func previousResults(prior []StepRecord) []map[string]any {
	out := make([]map[string]any, 0, len(prior))
	for _, r := range prior {
		entry := map[string]any{
			"step":    r.Step,
			"action":  r.Action,
			"target":  r.Target,
			"success": r.Success,
		}
		if r.Success {
			entry["result"] = r.Result
		} else {
			entry["error"] = r.Error
		}
		out = append(out, entry)
	}
	return out
}

// Fallback runs the degraded path used when plan compilation fails: one
// agent_call to the first known agent with the raw task description.
func (e *Executor) Fallback(ctx context.Context, taskID, description, reason string, emit EmitFunc) (map[string]any, error) {
	emit("fallback_started", map[string]any{"reason": reason})

	ids := e.registry.AgentIDs()
	if len(ids) == 0 {
		emit("fallback_error", map[string]any{"error": "no_agents_available"})
		return nil, fmt.Errorf("no_agents_available")
	}

	// First agent in sorted order keeps the choice deterministic.
	target := ids[0]
	emit("fallback_decision", map[string]any{"target": target, "reason": reason})

	entry, ok := e.registry.Get(target)
	if !ok {
		emit("fallback_error", map[string]any{"error": fmt.Sprintf("Agent not found: %s", target)})
		return nil, fmt.Errorf("agent not found: %s", target)
	}

	result, err := e.caller.CallAgent(ctx, entry, description,
		map[string]any{"previous_results": []map[string]any{}})
	if err != nil {
		emit("fallback_error", map[string]any{"error": err.Error()})
		return nil, err
	}

	emit("fallback_completed", map[string]any{"result": result})
	slog.Info("Fallback dispatch completed", "task_id", taskID, "agent_id", target)
	return result, nil
}
