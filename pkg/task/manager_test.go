package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/executor"
	"github.com/agentmesh/agentmesh/pkg/planner"
)

type fakeCompiler struct {
	plan     *planner.Plan
	decision map[string]any
	err      error
	chunks   []string
}

func (f *fakeCompiler) Compile(ctx context.Context, description string, onChunk func(string)) (*planner.Plan, map[string]any, error) {
	if onChunk != nil {
		for _, c := range f.chunks {
			onChunk(c)
		}
	}
	return f.plan, f.decision, f.err
}

type fakeRunner struct {
	summary     executor.Summary
	fallbackErr error
}

func (f *fakeRunner) Execute(ctx context.Context, taskID string, plan *planner.Plan, emit executor.EmitFunc) executor.Summary {
	emit("execution_started", map[string]any{"strategy": plan.Strategy, "total_steps": len(plan.Steps)})
	for _, r := range f.summary.Records {
		emit("step_started", map[string]any{"step_number": r.Step, "action": r.Action, "target": r.Target})
		switch r.Action {
		case "agent_call":
			emit("agent_call_started", map[string]any{"agent_id": r.Target})
			if r.Success {
				emit("agent_call_completed", map[string]any{"agent_id": r.Target, "result": r.Result, "duration": r.DurationMS})
				continue
			}
		case "tool_use":
			emit("mcp_tool_used", map[string]any{"tool": r.Target})
		}
		emit("step_completed", map[string]any{"step_number": r.Step, "success": r.Success})
	}
	emit("execution_completed", map[string]any{
		"total_steps":      len(f.summary.Records),
		"successful_steps": f.summary.Successful,
		"failed_steps":     f.summary.Failed,
	})
	return f.summary
}

func (f *fakeRunner) Fallback(ctx context.Context, taskID, description, reason string, emit executor.EmitFunc) (map[string]any, error) {
	emit("fallback_started", map[string]any{"reason": reason})
	if f.fallbackErr != nil {
		emit("fallback_error", map[string]any{"error": f.fallbackErr.Error()})
		return nil, f.fallbackErr
	}
	emit("fallback_decision", map[string]any{"target": "first_agent", "reason": reason})
	emit("fallback_completed", map[string]any{"result": map[string]any{"ok": true}})
	return map[string]any{"ok": true}, nil
}

func twoStepSetup() (*fakeCompiler, *fakeRunner) {
	compiler := &fakeCompiler{
		plan: &planner.Plan{
			Strategy: "multi_agent",
			Analysis: "two phases",
			Content:  `{"analysis": "two phases"}`,
			Steps: []planner.Step{
				{Step: 1, Action: "agent_call", Target: "researcher", Task: "research"},
				{Step: 2, Action: "tool_use", Target: "files:read_file", Task: "read"},
			},
		},
		decision: map[string]any{"approach": "agent_coordination"},
		chunks:   []string{"{\"analysis\"", ": \"two phases\"}"},
	}
	runner := &fakeRunner{
		summary: executor.Summary{
			Records: []executor.StepRecord{
				{Step: 1, Action: "agent_call", Target: "researcher", Success: true, Result: map[string]any{"status": "done"}},
				{Step: 2, Action: "tool_use", Target: "files:read_file", Success: true, Result: map[string]any{"content": "x"}},
			},
			Successful: 2,
		},
	}
	return compiler, runner
}

func TestTaskIDsSequential(t *testing.T) {
	compiler, runner := twoStepSetup()
	m := NewManager(compiler, runner, time.Minute)

	r1 := m.SubmitBatch(context.Background(), "one")
	r2 := m.SubmitBatch(context.Background(), "two")

	assert.Equal(t, "task_1", r1["task_id"])
	assert.Equal(t, "task_2", r2["task_id"])
	assert.Equal(t, 2, m.Count())
}

func TestSubmitBatchSuccess(t *testing.T) {
	compiler, runner := twoStepSetup()
	m := NewManager(compiler, runner, time.Minute)

	out := m.SubmitBatch(context.Background(), "make a report")
	assert.Equal(t, "completed", out["status"])

	result := out["result"].(map[string]any)
	assert.Equal(t, "multi_agent", result["execution_strategy"])
	assert.Equal(t, 2, result["total_steps"])
	assert.Equal(t, 2, result["completed_steps"])
	assert.Equal(t, "Task execution completed. strategy: multi_agent, successful steps: 2/2", result["summary"])
	assert.NotNil(t, result["llm_decision"])

	task, ok := m.Get(out["task_id"].(string))
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.False(t, task.CompletedAt.Before(task.CreatedAt))
	assert.Len(t, task.Records, 2)
}

func TestSubmitBatchFallback(t *testing.T) {
	compiler := &fakeCompiler{
		err:      &planner.PlanError{Code: "plan_parse_error", Detail: "no plan"},
		decision: map[string]any{"approach": "direct_response", "response": "chat"},
	}
	runner := &fakeRunner{}
	m := NewManager(compiler, runner, time.Minute)

	out := m.SubmitBatch(context.Background(), "task")
	assert.Equal(t, "completed", out["status"])

	result := out["result"].(map[string]any)
	assert.Equal(t, "fallback", result["execution_strategy"])
	assert.Equal(t, 1, result["completed_steps"])
	assert.Contains(t, result["plan_error"], "plan_parse_error")
}

func TestSubmitBatchFallbackNoAgents(t *testing.T) {
	compiler := &fakeCompiler{err: &planner.PlanError{Code: "plan_parse_error", Detail: "no plan"}}
	runner := &fakeRunner{fallbackErr: fmt.Errorf("no_agents_available")}
	m := NewManager(compiler, runner, time.Minute)

	out := m.SubmitBatch(context.Background(), "task")
	assert.Equal(t, "failed", out["status"])

	task, _ := m.Get(out["task_id"].(string))
	assert.Equal(t, StatusFailed, task.Status)
	require.NotNil(t, task.CompletedAt)
}

func TestSubmitStreamEventOrder(t *testing.T) {
	compiler, runner := twoStepSetup()
	m := NewManager(compiler, runner, time.Minute)

	var events []string
	for ev := range m.SubmitStream(context.Background(), "report") {
		events = append(events, ev.Type)
	}

	assert.Equal(t, []string{
		"task_started",
		"llm_analysis_started",
		"llm_analysis_progress",
		"llm_analysis_progress",
		"llm_analysis_completed",
		"llm_decision_made",
		"execution_started",
		"step_started",
		"agent_call_started",
		"agent_call_completed",
		"step_started",
		"mcp_tool_used",
		"step_completed",
		"execution_completed",
		"task_completed",
	}, events)
}

func TestAnalysisEventCarriesRawResponse(t *testing.T) {
	compiler, runner := twoStepSetup()
	m := NewManager(compiler, runner, time.Minute)

	var analysis any
	for ev := range m.SubmitStream(context.Background(), "report") {
		if ev.Type == "llm_analysis_completed" {
			analysis = ev.Data["analysis"]
		}
	}

	// The event carries the full model reply, not just the analysis field.
	assert.Equal(t, `{"analysis": "two phases"}`, analysis)
}

func TestAnalysisEventEmittedOnParseFailure(t *testing.T) {
	compiler := &fakeCompiler{
		err: &planner.PlanError{Code: "plan_parse_error", Detail: "no plan", Content: "total garbage"},
	}
	runner := &fakeRunner{}
	m := NewManager(compiler, runner, time.Minute)

	var events []string
	var analysis any
	for ev := range m.SubmitStream(context.Background(), "task") {
		events = append(events, ev.Type)
		if ev.Type == "llm_analysis_completed" {
			analysis = ev.Data["analysis"]
		}
	}

	// A reply that yields no plan still produces the analysis event,
	// before the fallback path starts.
	assert.Equal(t, "total garbage", analysis)
	idxAnalysis := indexOf(events, "llm_analysis_completed")
	idxFallback := indexOf(events, "fallback_started")
	require.NotEqual(t, -1, idxAnalysis)
	require.NotEqual(t, -1, idxFallback)
	assert.Less(t, idxAnalysis, idxFallback)
}

func indexOf(events []string, name string) int {
	for i, e := range events {
		if e == name {
			return i
		}
	}
	return -1
}

func TestSubmitStreamTerminalEvent(t *testing.T) {
	compiler, runner := twoStepSetup()
	m := NewManager(compiler, runner, time.Minute)

	var last Event
	for ev := range m.SubmitStream(context.Background(), "report") {
		last = ev
	}

	require.Equal(t, "task_completed", last.Type)
	assert.Equal(t, 2, last.Data["total_steps"])
	assert.Equal(t, 2, last.Data["successful_steps"])
	assert.Equal(t, 0, last.Data["failed_steps"])

	stats := last.Data["execution_stats"].(map[string]any)
	assert.Equal(t, []string{"researcher"}, stats["agents_used"])
	assert.Equal(t, []string{"files:read_file"}, stats["tools_used"])
}

func TestSubmitStreamFallbackStillTerminates(t *testing.T) {
	compiler := &fakeCompiler{err: &planner.PlanError{Code: "plan_parse_error", Detail: "nope"}}
	runner := &fakeRunner{fallbackErr: fmt.Errorf("no_agents_available")}
	m := NewManager(compiler, runner, time.Minute)

	var events []string
	for ev := range m.SubmitStream(context.Background(), "task") {
		events = append(events, ev.Type)
	}

	// Even total failure ends with a terminal task_completed.
	require.NotEmpty(t, events)
	assert.Equal(t, "task_completed", events[len(events)-1])
	assert.Contains(t, events, "fallback_started")
	assert.Contains(t, events, "fallback_error")
}

func TestExecutionStatsDedup(t *testing.T) {
	records := []executor.StepRecord{
		{Action: "agent_call", Target: "researcher", Success: true},
		{Action: "agent_call", Target: "researcher", Success: true},
		{Action: "agent_call", Target: "writer", Success: false},
		{Action: "tool_use", Target: "files:read_file", Success: true},
		{Action: "tool_use", Target: "files:read_file", Success: true},
		{Action: "coordination", Target: "merge", Success: true},
	}

	stats := executionStats(records)
	assert.Equal(t, []string{"researcher", "writer"}, stats["agents_used"])
	assert.Equal(t, []string{"files:read_file"}, stats["tools_used"])
}

func TestGetUnknownTask(t *testing.T) {
	m := NewManager(&fakeCompiler{}, &fakeRunner{}, time.Minute)
	_, ok := m.Get("task_404")
	assert.False(t, ok)
}
