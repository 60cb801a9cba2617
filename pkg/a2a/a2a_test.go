package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentID(t *testing.T) {
	assert.Equal(t, "research_agent", AgentID("Research Agent"))
	assert.Equal(t, "writer", AgentID("writer"))
	assert.Equal(t, "a_b_c", AgentID("A B C"))
}

func TestCallAgentA2AEnvelope(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tasks/send", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"result":  map[string]any{"status": "done", "output": "answer"},
		})
	}))
	defer srv.Close()

	caller := NewCaller(5 * time.Second)
	entry := AgentEntry{ID: "researcher", Endpoint: srv.URL, Protocol: ProtocolA2A}

	result, err := caller.CallAgent(context.Background(), entry, "find facts",
		map[string]any{"previous_results": []any{}})
	require.NoError(t, err)
	assert.Equal(t, "done", result["status"])

	// Envelope shape: JSON-RPC 2.0 tasks/send with text + data parts.
	assert.Equal(t, "2.0", got["jsonrpc"])
	assert.Equal(t, "tasks/send", got["method"])
	params := got["params"].(map[string]any)
	assert.NotEmpty(t, params["id"])
	assert.NotEmpty(t, params["sessionId"])
	assert.Equal(t, []any{"text", "application/json"}, params["acceptedOutputModes"])

	msg := params["message"].(map[string]any)
	assert.Equal(t, "user", msg["role"])
	parts := msg["parts"].([]any)
	require.Len(t, parts, 2)

	textPart := parts[0].(map[string]any)
	assert.Equal(t, "text", textPart["type"])
	assert.Equal(t, "find facts", textPart["text"])

	dataPart := parts[1].(map[string]any)
	assert.Equal(t, "data", dataPart["type"])
	data := dataPart["data"].(map[string]any)
	assert.Contains(t, data, "previous_results")
}

func TestCallAgentA2AMissingResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0"})
	}))
	defer srv.Close()

	caller := NewCaller(5 * time.Second)
	entry := AgentEntry{ID: "x", Endpoint: srv.URL, Protocol: ProtocolA2A}

	_, err := caller.CallAgent(context.Background(), entry, "task", nil)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "a2a_invalid_response", callErr.Code)
}

func TestCallAgentA2AHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	caller := NewCaller(5 * time.Second)
	entry := AgentEntry{ID: "x", Endpoint: srv.URL, Protocol: ProtocolA2A}

	_, err := caller.CallAgent(context.Background(), entry, "task", nil)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "a2a_http_error", callErr.Code)
}

func TestCallAgentLegacy(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/task", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"response": "legacy says hi"})
	}))
	defer srv.Close()

	caller := NewCaller(5 * time.Second)
	entry := AgentEntry{ID: "old", Endpoint: srv.URL, Protocol: ProtocolLegacy}

	result, err := caller.CallAgent(context.Background(), entry, "do it", nil)
	require.NoError(t, err)
	assert.Equal(t, "legacy says hi", result["response"])
	assert.Equal(t, "do it", got["task"])
}

func TestCallAgentUnsupportedProtocol(t *testing.T) {
	caller := NewCaller(time.Second)
	entry := AgentEntry{ID: "odd", Endpoint: "http://localhost:1", Protocol: ProtocolUnknown}

	_, err := caller.CallAgent(context.Background(), entry, "task", nil)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "unsupported_protocol", callErr.Code)
}

func TestProbeAgentCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/a2a/agent.json" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"name":        "Research Agent",
			"description": "Finds things",
			"skills": []map[string]any{
				{"id": "search", "name": "web_search"},
				{"id": "summarize"},
			},
		})
	}))
	defer srv.Close()

	p := NewProber(5*time.Second, time.Second)
	entry, err := p.Probe(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "research_agent", entry.ID)
	assert.Equal(t, ProtocolA2A, entry.Protocol)
	assert.Equal(t, MethodAgentCard, entry.DiscoveryMethod)
	assert.Equal(t, []string{"web_search", "summarize"}, entry.Capabilities)
}

func TestProbeFallsThroughToWellKnown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/agent.json" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"name": "Standard Agent"})
	}))
	defer srv.Close()

	p := NewProber(5*time.Second, time.Second)
	entry, err := p.Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, MethodAgentCardStandard, entry.DiscoveryMethod)
	assert.Equal(t, ProtocolA2A, entry.Protocol)
}

func TestProbeCapabilitiesEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/capabilities" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"agent_name":   "Legacy Agent",
			"capabilities": []string{"translate", "summarize"},
		})
	}))
	defer srv.Close()

	p := NewProber(5*time.Second, time.Second)
	entry, err := p.Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "legacy_agent", entry.ID)
	assert.Equal(t, ProtocolLegacy, entry.Protocol)
	assert.Equal(t, MethodCapabilities, entry.DiscoveryMethod)
	assert.Equal(t, []string{"translate", "summarize"}, entry.Capabilities)
}

func TestProbeHealthFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "agent": "Mystery Agent"})
	}))
	defer srv.Close()

	p := NewProber(5*time.Second, time.Second)
	entry, err := p.Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "mystery_agent", entry.ID)
	assert.Equal(t, ProtocolUnknown, entry.Protocol)
	assert.Equal(t, MethodHealthCheck, entry.DiscoveryMethod)
}

func TestProbeNothingThere(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p := NewProber(time.Second, time.Second)
	_, err := p.Probe(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := NewProber(time.Second, time.Second)
	assert.True(t, p.Healthy(context.Background(), srv.URL))
	assert.False(t, p.Healthy(context.Background(), "http://127.0.0.1:1"))
}
