// Package planner turns a natural-language task description into a
// structured execution plan by consulting the LLM with a snapshot of the
// currently available agents and tools.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/llm"
	"github.com/agentmesh/agentmesh/pkg/mcp"
)

// Completer is the LLM surface the planner needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) *llm.Response
	StreamComplete(ctx context.Context, req llm.Request, onChunk func(string)) *llm.Response
}

// AgentSummary is the per-agent view embedded in the planning prompt.
type AgentSummary struct {
	Endpoint     string   `json:"endpoint"`
	Protocol     string   `json:"protocol"`
	Capabilities []string `json:"capabilities"`
}

// ToolSummary is the per-tool view embedded in the planning prompt.
type ToolSummary struct {
	Server      string `json:"server"`
	Tool        string `json:"tool"`
	FullName    string `json:"full_name"`
	Description string `json:"description,omitempty"`
}

// SystemContext is the capability snapshot the LLM plans against.
type SystemContext struct {
	AvailableAgents   map[string]AgentSummary `json:"available_agents"`
	AvailableMCPTools []ToolSummary           `json:"available_mcp_tools"`
	MCPServerDetails  []mcp.ServerInfo        `json:"mcp_server_details"`
	TotalAgents       int                     `json:"total_agents"`
	TotalTools        int                     `json:"total_tools"`
}

// Step is one entry of an execution plan.
type Step struct {
	Step         int    `json:"step"`
	Action       string `json:"action"`
	Target       string `json:"target"`
	Task         string `json:"task"`
	Dependencies []int  `json:"dependencies,omitempty"`
}

// Plan is the validated execution plan.
type Plan struct {
	Analysis             string
	Strategy             string
	RequiredAgents       []string
	RequiredTools        []string
	Steps                []Step
	ExpectedDeliverables []string

	// Raw is the full decision object as extracted, kept for reporting.
	Raw map[string]any
	// Content is the unparsed model output the decision came from.
	Content string
}

// PlanError reports that the model's output could not be turned into a
// plan. The extracted decision is preserved so callers can still report it.
type PlanError struct {
	Code     string // plan_parse_error, or an LLM error code
	Detail   string
	Decision map[string]any
	// Content is the raw model output, when a response was received at all.
	Content string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// AgentDirectory is the registry surface the planner needs.
type AgentDirectory interface {
	Snapshot() map[string]a2a.AgentEntry
}

// ToolDirectory is the MCP surface the planner needs.
type ToolDirectory interface {
	Servers() []mcp.ServerInfo
}

// Planner compiles task descriptions into plans.
type Planner struct {
	llm      Completer
	registry AgentDirectory
	mcp      ToolDirectory
}

// New creates a planner.
func New(completer Completer, reg AgentDirectory, tools ToolDirectory) *Planner {
	return &Planner{llm: completer, registry: reg, mcp: tools}
}

// BuildContext snapshots the agents and tools currently available. Servers
// that have not listed their tools yet contribute a runtime_discovery
// placeholder so the model knows the server exists.
func (p *Planner) BuildContext() SystemContext {
	agents := map[string]AgentSummary{}
	for id, entry := range p.registry.Snapshot() {
		agents[id] = AgentSummary{
			Endpoint:     entry.Endpoint,
			Protocol:     entry.Protocol,
			Capabilities: entry.Capabilities,
		}
	}

	var tools []ToolSummary
	servers := p.mcp.Servers()
	for _, srv := range servers {
		if len(srv.Tools) == 0 {
			tools = append(tools, ToolSummary{
				Server:      srv.Name,
				Tool:        "runtime_discovery",
				FullName:    srv.Name + ":runtime_discovery",
				Description: srv.Description,
			})
			continue
		}
		for _, t := range srv.Tools {
			tools = append(tools, ToolSummary{
				Server:      srv.Name,
				Tool:        t.Name,
				FullName:    srv.Name + ":" + t.Name,
				Description: t.Description,
			})
		}
	}

	return SystemContext{
		AvailableAgents:   agents,
		AvailableMCPTools: tools,
		MCPServerDetails:  servers,
		TotalAgents:       len(agents),
		TotalTools:        len(tools),
	}
}

const planSystemPrompt = `You are the coordinator of a multi-agent system. ` +
	`Given a task and the available agents and tools, produce an execution plan. ` +
	`Respond with a single JSON object and nothing else.`

func buildPrompt(sysCtx SystemContext, description string) string {
	ctxJSON, err := json.MarshalIndent(sysCtx, "", "  ")
	if err != nil {
		ctxJSON = []byte("{}")
	}

	return fmt.Sprintf(`Available system capabilities:
%s

Task: %s

Respond with a JSON object of this shape:
{
  "analysis": "<your analysis of the task>",
  "execution_strategy": "<single_agent|multi_agent|mcp_tools|hybrid>",
  "required_agents": ["<agent_id>", ...],
  "required_tools": ["<server:tool>", ...],
  "execution_plan": [
    {"step": 1, "action": "<agent_call|tool_use|coordination>", "target": "<agent_id or server:tool>", "task": "<instruction>", "dependencies": []}
  ],
  "expected_deliverables": ["<deliverable>", ...]
}`, ctxJSON, description)
}

// Compile asks the LLM for a plan. When onChunk is non-nil the completion
// is streamed and each content delta is forwarded to it. The extracted
// decision object is always returned, even when plan validation fails.
func (p *Planner) Compile(ctx context.Context, description string, onChunk func(string)) (*Plan, map[string]any, error) {
	sysCtx := p.BuildContext()
	req := llm.Request{
		Prompt:       buildPrompt(sysCtx, description),
		SystemPrompt: planSystemPrompt,
	}

	var resp *llm.Response
	if onChunk != nil {
		resp = p.llm.StreamComplete(ctx, req, onChunk)
	} else {
		resp = p.llm.Complete(ctx, req)
	}

	if resp.Failed() {
		return nil, nil, &PlanError{Code: resp.ErrorCode, Detail: resp.Detail}
	}

	decision := llm.ExtractDecision(resp.Content)

	plan, err := planFromDecision(decision)
	if err != nil {
		slog.Warn("LLM output did not contain a usable plan", "error", err)
		return nil, decision, &PlanError{
			Code:     "plan_parse_error",
			Detail:   err.Error(),
			Decision: decision,
			Content:  resp.Content,
		}
	}
	plan.Content = resp.Content

	slog.Info("Execution plan compiled",
		"strategy", plan.Strategy, "steps", len(plan.Steps),
		"agents", len(plan.RequiredAgents), "tools", len(plan.RequiredTools))
	return plan, decision, nil
}

// planFromDecision validates the decision object into a Plan. The only
// hard requirement is a non-empty execution_plan array of step objects.
func planFromDecision(decision map[string]any) (*Plan, error) {
	rawSteps, ok := decision["execution_plan"].([]any)
	if !ok {
		return nil, fmt.Errorf("decision has no execution_plan array")
	}
	// An empty plan is valid: the task completes with zero steps.

	steps := make([]Step, 0, len(rawSteps))
	for i, raw := range rawSteps {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("execution_plan[%d] is not an object", i)
		}
		step := Step{
			Step:   intField(obj, "step", i+1),
			Action: stringField(obj, "action"),
			Target: stringField(obj, "target"),
			Task:   stringField(obj, "task"),
		}
		if deps, ok := obj["dependencies"].([]any); ok {
			for _, d := range deps {
				if n, ok := asInt(d); ok {
					step.Dependencies = append(step.Dependencies, n)
				}
			}
		}
		steps = append(steps, step)
	}

	return &Plan{
		Analysis:             stringField(decision, "analysis"),
		Strategy:             stringField(decision, "execution_strategy"),
		RequiredAgents:       stringSlice(decision, "required_agents"),
		RequiredTools:        stringSlice(decision, "required_tools"),
		Steps:                steps,
		ExpectedDeliverables: stringSlice(decision, "expected_deliverables"),
		Raw:                  decision,
	}, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string, def int) int {
	if n, ok := asInt(m[key]); ok {
		return n
	}
	return def
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func stringSlice(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
