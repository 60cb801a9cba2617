package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Prober discovers agents by probing well-known card endpoints.
type Prober struct {
	client        *http.Client
	healthTimeout time.Duration
}

// NewProber creates a prober. timeout bounds each discovery probe;
// healthTimeout bounds the /health fallback and standalone health checks.
func NewProber(timeout, healthTimeout time.Duration) *Prober {
	return &Prober{
		client:        &http.Client{Timeout: timeout},
		healthTimeout: healthTimeout,
	}
}

// probePath describes one discovery attempt.
type probePath struct {
	path   string
	method string
	parse  func(endpoint string, body map[string]any) *AgentEntry
}

// Probe checks the endpoint's card paths in order and returns the first
// entry that parses. The order is deliberate: native card, standard
// well-known card, legacy capabilities listing, bare health check.
func (p *Prober) Probe(ctx context.Context, endpoint string) (*AgentEntry, error) {
	paths := []probePath{
		{"/a2a/agent.json", MethodAgentCard, parseAgentCard},
		{"/.well-known/agent.json", MethodAgentCardStandard, parseAgentCard},
		{"/capabilities", MethodCapabilities, parseCapabilities},
		{"/health", MethodHealthCheck, parseHealth},
	}

	base := strings.TrimSuffix(endpoint, "/")
	var lastErr error
	for _, probe := range paths {
		body, err := p.get(ctx, base+probe.path)
		if err != nil {
			lastErr = err
			continue
		}

		entry := probe.parse(base, body)
		if entry == nil {
			lastErr = fmt.Errorf("unusable card at %s", probe.path)
			continue
		}
		entry.DiscoveryMethod = probe.method
		slog.Debug("Agent discovered",
			"agent_id", entry.ID, "endpoint", base, "method", probe.method)
		return entry, nil
	}

	return nil, fmt.Errorf("no agent at %s: %w", endpoint, lastErr)
}

// Healthy reports whether the endpoint answers its health check.
func (p *Prober) Healthy(ctx context.Context, endpoint string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(endpoint, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *Prober) get(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("non-JSON body from %s: %w", url, err)
	}
	return body, nil
}

// parseAgentCard reads an A2A agent card: name, description, skills.
func parseAgentCard(endpoint string, body map[string]any) *AgentEntry {
	name, _ := body["name"].(string)
	if name == "" {
		return nil
	}

	var caps []string
	if skills, ok := body["skills"].([]any); ok {
		for _, s := range skills {
			switch skill := s.(type) {
			case map[string]any:
				if n, _ := skill["name"].(string); n != "" {
					caps = append(caps, n)
				} else if id, _ := skill["id"].(string); id != "" {
					caps = append(caps, id)
				}
			case string:
				caps = append(caps, skill)
			}
		}
	}

	desc, _ := body["description"].(string)
	return &AgentEntry{
		ID:           AgentID(name),
		Name:         name,
		Description:  desc,
		Endpoint:     endpoint,
		Protocol:     ProtocolA2A,
		Capabilities: caps,
	}
}

// parseCapabilities reads the legacy capabilities listing.
func parseCapabilities(endpoint string, body map[string]any) *AgentEntry {
	name, _ := body["agent_name"].(string)
	if name == "" {
		name, _ = body["name"].(string)
	}
	if name == "" {
		return nil
	}

	var caps []string
	if list, ok := body["capabilities"].([]any); ok {
		for _, c := range list {
			if s, ok := c.(string); ok {
				caps = append(caps, s)
			}
		}
	}

	return &AgentEntry{
		ID:           AgentID(name),
		Name:         name,
		Endpoint:     endpoint,
		Protocol:     ProtocolLegacy,
		Capabilities: caps,
	}
}

// parseHealth reads a bare health response that names its agent.
func parseHealth(endpoint string, body map[string]any) *AgentEntry {
	name, _ := body["agent"].(string)
	if name == "" {
		return nil
	}

	return &AgentEntry{
		ID:       AgentID(name),
		Name:     name,
		Endpoint: endpoint,
		Protocol: ProtocolUnknown,
	}
}
