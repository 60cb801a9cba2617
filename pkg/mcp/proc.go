package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentmesh/agentmesh/pkg/config"
)

// State of one managed server process.
type State string

const (
	StateDeclared   State = "declared"   // configured, never started
	StateRunning    State = "running"    // initialized, tools not listed yet
	StateListed     State = "listed"     // tools/list succeeded, cache valid
	StateFailed     State = "failed"     // spawn/protocol/pipe failure
	StateTerminated State = "terminated" // stopped deliberately
)

// protocolVersion is the MCP revision sent in initialize.
const protocolVersion = "2024-11-05"

// JSON-RPC message framing: one JSON object per line in each direction.

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// serverProc is one child tool-server process. A mutex serializes the
// request/response exchange: exactly one line out, one line in.
type serverProc struct {
	name string
	def  config.ServerDef

	mu     sync.Mutex
	state  State
	tools  []ToolDescriptor
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
}

func newServerProc(name string, def config.ServerDef) *serverProc {
	return &serverProc{name: name, def: def, state: StateDeclared}
}

// spawn starts the child process and attaches pipes. Caller holds p.mu.
func (p *serverProc) spawn() error {
	cmd := exec.Command(p.def.Command, p.def.Args...)
	cmd.Env = mergeEnv(os.Environ(), p.def.Env)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return spawnError(p.name, fmt.Sprintf("stdin pipe: %v", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawnError(p.name, fmt.Sprintf("stdout pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return spawnError(p.name, fmt.Sprintf("start %s: %v", p.def.Command, err))
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = scanner
	return nil
}

// mergeEnv overlays entries over a base "K=V" environment.
func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, shadowed := overlay[key]; !shadowed {
			out = append(out, kv)
		}
	}
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

// roundTrip writes one request line and reads one response line. Caller
// holds p.mu. On pipe failure the proc transitions to failed and the tool
// cache is dropped.
func (p *serverProc) roundTrip(ctx context.Context, req jsonRPCRequest, timeout time.Duration) (json.RawMessage, error) {
	if p.state == StateFailed || p.state == StateTerminated || p.state == StateDeclared {
		return nil, serverDownError(p.name, fmt.Sprintf("server in state %s", p.state))
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, framingError(p.name, fmt.Sprintf("marshal request: %v", err))
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		p.fail(fmt.Sprintf("write: %v", err))
		return nil, serverDownError(p.name, fmt.Sprintf("write failed: %v", err))
	}

	// Notifications have no response.
	if req.ID == 0 {
		return nil, nil
	}

	type scanResult struct {
		line string
		ok   bool
	}
	ch := make(chan scanResult, 1)
	go func() {
		ok := p.stdout.Scan()
		ch <- scanResult{line: p.stdout.Text(), ok: ok}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res scanResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		p.fail("request cancelled mid-exchange")
		return nil, serverDownError(p.name, "request cancelled")
	case <-timer.C:
		// The pipe is now desynced; the proc cannot be trusted.
		p.fail("response timeout")
		return nil, serverDownError(p.name, fmt.Sprintf("no response within %v", timeout))
	}

	if !res.ok {
		p.fail("stdout closed")
		return nil, serverDownError(p.name, "pipe closed")
	}

	trimmed := strings.TrimSpace(res.line)
	if trimmed == "" {
		return nil, framingError(p.name, "empty response line")
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		return nil, framingError(p.name, fmt.Sprintf("malformed response: %v", err))
	}
	if resp.Error != nil {
		return nil, protocolError(p.name, resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// fail marks the proc failed and drops the tool cache. Caller holds p.mu.
func (p *serverProc) fail(reason string) {
	slog.Warn("MCP server failed", "server", p.name, "reason", reason)
	p.state = StateFailed
	p.tools = nil
}

// terminate sends SIGTERM and waits for exit, escalating to SIGKILL after
// the grace period. Caller holds p.mu.
func (p *serverProc) terminate(grace time.Duration) {
	if p.cmd == nil || p.cmd.Process == nil {
		p.state = StateTerminated
		return
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Debug("SIGTERM failed, process likely gone", "server", p.name, "error", err)
	}

	done := make(chan struct{})
	go func() {
		p.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("MCP server did not exit, killing", "server", p.name)
		p.cmd.Process.Kill()
		<-done
	}

	p.state = StateTerminated
	p.tools = nil
	slog.Info("MCP server stopped", "server", p.name)
}
