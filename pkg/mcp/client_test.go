package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/config"
)

// fakeServer speaks line-delimited JSON-RPC over in-memory pipes, standing
// in for a child process.
type fakeServer struct {
	in       *io.PipeReader // requests from the client
	out      *io.PipeWriter // responses to the client
	requests []jsonRPCRequest
}

func newFakePipes(t *testing.T, c *Client, name string, handle func(req jsonRPCRequest) any) *fakeServer {
	t.Helper()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	p := newServerProc(name, config.ServerDef{Description: "fake server"})
	p.state = StateRunning
	p.stdin = reqW
	p.stdout = bufio.NewScanner(respR)

	c.mu.Lock()
	c.servers[name] = p
	c.mu.Unlock()

	fs := &fakeServer{in: reqR, out: respW}
	go func() {
		scanner := bufio.NewScanner(reqR)
		for scanner.Scan() {
			var req jsonRPCRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			fs.requests = append(fs.requests, req)
			if req.ID == 0 {
				continue // notification
			}
			result := handle(req)
			resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
			if errObj, isErr := result.(*jsonRPCError); isErr {
				resp["error"] = errObj
			} else {
				resp["result"] = result
			}
			line, _ := json.Marshal(resp)
			respW.Write(append(line, '\n'))
		}
	}()
	t.Cleanup(func() {
		reqR.Close()
		respW.Close()
	})
	return fs
}

func newTestClient() *Client {
	return NewClient(map[string]config.ServerDef{}, 2*time.Second)
}

func TestListToolsCachesDescriptors(t *testing.T) {
	c := newTestClient()
	newFakePipes(t, c, "files", func(req jsonRPCRequest) any {
		require.Equal(t, "tools/list", req.Method)
		return map[string]any{
			"tools": []map[string]any{
				{"name": "read_file", "description": "Read a file"},
				{"name": "write_file", "description": "Write a file"},
			},
		}
	})

	tools, err := c.ListTools(context.Background(), "files")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "read_file", tools[0].Name)

	infos := c.Servers()
	require.Len(t, infos, 1)
	assert.Equal(t, StateListed, infos[0].State)
	assert.Len(t, infos[0].Tools, 2)
}

func TestCallToolRoundTrip(t *testing.T) {
	c := newTestClient()
	newFakePipes(t, c, "fetch", func(req jsonRPCRequest) any {
		params, _ := req.Params.(map[string]any)
		return map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": fmt.Sprintf("called %v", params["name"])},
			},
		}
	})

	out, err := c.CallTool(context.Background(), "fetch", "http_get", map[string]any{"url": "http://x"})
	require.NoError(t, err)
	content, ok := out["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
}

func TestRequestIDsMonotonicAcrossServers(t *testing.T) {
	c := newTestClient()
	alpha := newFakePipes(t, c, "alpha", func(req jsonRPCRequest) any {
		return map[string]any{"tools": []map[string]any{}}
	})
	beta := newFakePipes(t, c, "beta", func(req jsonRPCRequest) any {
		return map[string]any{"tools": []map[string]any{}}
	})

	_, err := c.ListTools(context.Background(), "alpha")
	require.NoError(t, err)
	_, err = c.ListTools(context.Background(), "beta")
	require.NoError(t, err)
	_, err = c.ListTools(context.Background(), "alpha")
	require.NoError(t, err)

	// One counter serves all servers: IDs are 1, 2, 3 in call order.
	require.Len(t, alpha.requests, 2)
	require.Len(t, beta.requests, 1)
	assert.Equal(t, int64(1), alpha.requests[0].ID)
	assert.Equal(t, int64(2), beta.requests[0].ID)
	assert.Equal(t, int64(3), alpha.requests[1].ID)
}

func TestProtocolErrorMapping(t *testing.T) {
	c := newTestClient()
	newFakePipes(t, c, "strict", func(req jsonRPCRequest) any {
		return &jsonRPCError{Code: -32601, Message: "method not found"}
	})

	_, err := c.CallTool(context.Background(), "strict", "nope", nil)
	require.Error(t, err)

	var mcpErr *Error
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, KindProtocolError, mcpErr.Kind)
	assert.Equal(t, -32601, mcpErr.Code)
	assert.Equal(t, "method not found", mcpErr.Message)
}

func TestFramingErrorOnGarbage(t *testing.T) {
	c := newTestClient()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	p := newServerProc("garbage", config.ServerDef{})
	p.state = StateRunning
	p.stdin = reqW
	p.stdout = bufio.NewScanner(respR)
	c.mu.Lock()
	c.servers["garbage"] = p
	c.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(reqR)
		for scanner.Scan() {
			respW.Write([]byte("this is not json\n"))
		}
	}()
	t.Cleanup(func() { reqR.Close(); respW.Close() })

	_, err := c.ListTools(context.Background(), "garbage")
	require.Error(t, err)

	var mcpErr *Error
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, KindFramingError, mcpErr.Kind)
}

func TestDeadPipeMarksServerFailed(t *testing.T) {
	c := newTestClient()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	p := newServerProc("dying", config.ServerDef{})
	p.state = StateListed
	p.tools = []ToolDescriptor{{Name: "t"}}
	p.stdin = reqW
	p.stdout = bufio.NewScanner(respR)
	c.mu.Lock()
	c.servers["dying"] = p
	c.mu.Unlock()

	// Close the response pipe as soon as a request arrives: EOF mid-exchange.
	go func() {
		buf := make([]byte, 1)
		reqR.Read(buf)
		respW.Close()
		io.Copy(io.Discard, reqR)
	}()
	t.Cleanup(func() { reqR.Close() })

	_, err := c.CallTool(context.Background(), "dying", "t", nil)
	require.Error(t, err)

	var mcpErr *Error
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, KindServerDown, mcpErr.Kind)

	// Failed state drops the cache; later calls fail fast.
	infos := c.Servers()
	require.Len(t, infos, 1)
	assert.Equal(t, StateFailed, infos[0].State)
	assert.Empty(t, infos[0].Tools)

	_, err = c.CallTool(context.Background(), "dying", "t", nil)
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, KindServerDown, mcpErr.Kind)
}

func TestServerForTool(t *testing.T) {
	c := newTestClient()
	newFakePipes(t, c, "files", func(req jsonRPCRequest) any {
		return map[string]any{"tools": []map[string]any{{"name": "read_file"}}}
	})

	_, err := c.ListTools(context.Background(), "files")
	require.NoError(t, err)

	name, ok := c.ServerForTool("read_file")
	assert.True(t, ok)
	assert.Equal(t, "files", name)

	_, ok = c.ServerForTool("no_such_tool")
	assert.False(t, ok)
}

func TestUnknownServer(t *testing.T) {
	c := newTestClient()
	_, err := c.CallTool(context.Background(), "ghost", "t", nil)
	var mcpErr *Error
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, KindServerDown, mcpErr.Kind)
}

func TestMergeEnvOverlay(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root"}
	merged := mergeEnv(base, map[string]string{"HOME": "/tmp", "API_KEY": "k"})

	assert.Contains(t, merged, "PATH=/usr/bin")
	assert.Contains(t, merged, "HOME=/tmp")
	assert.Contains(t, merged, "API_KEY=k")
	assert.NotContains(t, merged, "HOME=/root")
}

func TestEnsureServerSpawnFailure(t *testing.T) {
	defs := map[string]config.ServerDef{
		"fs": {Command: "/nonexistent/no-such-binary"},
	}
	c := NewClient(defs, time.Second)

	err := c.EnsureServer(context.Background(), "fs")
	var mcpErr *Error
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, KindServerDown, mcpErr.Kind)
	assert.Contains(t, mcpErr.Detail, "no-such-binary")

	servers := c.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, StateFailed, servers[0].State)

	// Later steps targeting the server classify the same way.
	err = c.EnsureServer(context.Background(), "fs")
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, KindServerDown, mcpErr.Kind)
}
