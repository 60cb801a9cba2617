// Package a2a implements the agent-to-agent transport: dispatching task
// messages to remote agents and probing endpoints for agent cards.
package a2a

import (
	"fmt"
	"strings"
)

// Protocol identifies how an agent is spoken to.
const (
	ProtocolA2A     = "a2a"
	ProtocolLegacy  = "legacy"
	ProtocolUnknown = "unknown"
)

// Discovery methods, recorded on the entry so operators can see how each
// agent was found.
const (
	MethodAgentCard         = "agent_card"
	MethodAgentCardStandard = "agent_card_standard"
	MethodCapabilities      = "capabilities_endpoint"
	MethodHealthCheck       = "health_check"
)

// AgentEntry is one discovered agent.
type AgentEntry struct {
	ID              string   `json:"agent_id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Endpoint        string   `json:"endpoint"`
	Protocol        string   `json:"protocol"`
	Capabilities    []string `json:"capabilities"`
	DiscoveryMethod string   `json:"discovery_method"`
}

// AgentID derives the canonical agent id from a display name:
// lowercased, spaces replaced with underscores.
func AgentID(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

// CallError is a classified dispatch failure.
type CallError struct {
	Code   string // a2a_http_error, a2a_invalid_response, legacy_http_error, unsupported_protocol
	Status int
	Detail string
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Code, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}
