// Package mcp manages MCP tool servers as child processes speaking
// line-delimited JSON-RPC 2.0 over stdio. Servers are started lazily,
// initialized with the MCP handshake, and their tool lists cached until
// the process dies.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/pkg/config"
)

// ToolDescriptor describes one tool exposed by a server.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ServerInfo is a read-only view of one managed server.
type ServerInfo struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	State       State            `json:"state"`
	Tools       []ToolDescriptor `json:"tools"`
}

// Client manages the full set of configured tool servers. Request IDs are
// allocated from one counter shared across all servers, so IDs are
// monotonically increasing for the client as a whole.
type Client struct {
	timeout   time.Duration
	requestID atomic.Int64

	mu      sync.Mutex
	servers map[string]*serverProc
}

// NewClient creates a client over the given server definitions. timeout
// bounds each tool invocation round trip.
func NewClient(defs map[string]config.ServerDef, timeout time.Duration) *Client {
	servers := make(map[string]*serverProc, len(defs))
	for name, def := range defs {
		servers[name] = newServerProc(name, def)
	}
	return &Client{timeout: timeout, servers: servers}
}

func (c *Client) nextID() int64 {
	return c.requestID.Add(1)
}

func (c *Client) proc(name string) (*serverProc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.servers[name]
	if !ok {
		return nil, serverDownError(name, "server not configured")
	}
	return p, nil
}

// Start spawns and initializes the named server. Restarting a terminated
// or failed server creates a fresh process.
func (c *Client) Start(ctx context.Context, name string) error {
	p, err := c.proc(name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateRunning || p.state == StateListed {
		return nil
	}

	if err := p.spawn(); err != nil {
		p.state = StateFailed
		return err
	}
	p.state = StateRunning

	// Handshake: initialize, then the initialized notification.
	initParams := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "agentmesh",
			"version": "1.0.0",
		},
	}
	if _, err := p.roundTrip(ctx, jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID(),
		Method:  "initialize",
		Params:  initParams,
	}, c.timeout); err != nil {
		p.fail(fmt.Sprintf("initialize: %v", err))
		return spawnError(name, fmt.Sprintf("initialize failed: %v", err))
	}

	if _, err := p.roundTrip(ctx, jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	}, c.timeout); err != nil {
		p.fail(fmt.Sprintf("initialized notification: %v", err))
		return spawnError(name, fmt.Sprintf("initialized notification failed: %v", err))
	}

	slog.Info("MCP server started", "server", name, "command", p.def.Command)
	return nil
}

// ListTools fetches and caches the server's tool list.
func (c *Client) ListTools(ctx context.Context, name string) ([]ToolDescriptor, error) {
	p, err := c.proc(name)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	result, err := p.roundTrip(ctx, jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID(),
		Method:  "tools/list",
	}, c.timeout)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, framingError(name, fmt.Sprintf("malformed tools/list result: %v", err))
	}

	p.tools = parsed.Tools
	p.state = StateListed
	slog.Info("MCP tools listed", "server", name, "tools", len(parsed.Tools))
	return parsed.Tools, nil
}

// CallTool invokes a tool on the named server and returns the decoded
// tools/call result.
func (c *Client) CallTool(ctx context.Context, name, tool string, args map[string]any) (map[string]any, error) {
	p, err := c.proc(name)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	result, err := p.roundTrip(ctx, jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID(),
		Method:  "tools/call",
		Params: map[string]any{
			"name":      tool,
			"arguments": args,
		},
	}, c.timeout)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, framingError(name, fmt.Sprintf("malformed tools/call result: %v", err))
	}
	return out, nil
}

// EnsureServer makes the named server usable: starts it if needed and
// lists its tools on first use.
func (c *Client) EnsureServer(ctx context.Context, name string) error {
	p, err := c.proc(name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	switch state {
	case StateListed:
		return nil
	case StateDeclared, StateTerminated, StateFailed:
		if err := c.Start(ctx, name); err != nil {
			// A server that cannot be brought up is down as far as tool
			// dispatch is concerned; the spawn detail is kept.
			var me *Error
			if errors.As(err, &me) && me.Kind == KindSpawnError {
				return serverDownError(name, me.Detail)
			}
			return err
		}
	}

	_, err = c.ListTools(ctx, name)
	return err
}

// ServerForTool returns the name of a server whose cached tool list
// contains the given tool.
func (c *Client) ServerForTool(tool string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := c.servers[name]
		p.mu.Lock()
		for _, t := range p.tools {
			if t.Name == tool {
				p.mu.Unlock()
				return name, true
			}
		}
		p.mu.Unlock()
	}
	return "", false
}

// Servers returns a snapshot of every configured server, sorted by name.
func (c *Client) Servers() []ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ServerInfo, 0, len(c.servers))
	for _, p := range c.servers {
		p.mu.Lock()
		info := ServerInfo{
			Name:        p.name,
			Description: p.def.Description,
			State:       p.state,
			Tools:       append([]ToolDescriptor(nil), p.tools...),
		}
		p.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the configured server names, sorted.
func (c *Client) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop terminates the named server with SIGTERM.
func (c *Client) Stop(name string) {
	p, err := c.proc(name)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning || p.state == StateListed || p.state == StateFailed {
		p.terminate(5 * time.Second)
	}
}

// Shutdown stops every running server.
func (c *Client) Shutdown() {
	for _, name := range c.Names() {
		c.Stop(name)
	}
}

// Reload replaces the server definitions. Existing running servers whose
// definition is unchanged keep running; removed servers are stopped; new
// definitions start declared.
func (c *Client) Reload(defs map[string]config.ServerDef) {
	c.mu.Lock()
	var toStop []*serverProc
	for name, p := range c.servers {
		if _, still := defs[name]; !still {
			toStop = append(toStop, p)
			delete(c.servers, name)
		}
	}
	for name, def := range defs {
		if _, exists := c.servers[name]; !exists {
			c.servers[name] = newServerProc(name, def)
		}
	}
	c.mu.Unlock()

	for _, p := range toStop {
		p.mu.Lock()
		p.terminate(5 * time.Second)
		p.mu.Unlock()
	}
	slog.Info("MCP server definitions reloaded", "servers", len(defs))
}
