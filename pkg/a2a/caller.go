package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/pkg/httpclient"
)

// Caller dispatches task messages to remote agents.
type Caller struct {
	client  *httpclient.Client
	timeout time.Duration
}

// NewCaller creates a caller. timeout bounds each agent call.
func NewCaller(timeout time.Duration) *Caller {
	return &Caller{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(2),
		),
		timeout: timeout,
	}
}

// a2aRequest is the JSON-RPC envelope for tasks/send.
type a2aRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Method  string    `json:"method"`
	Params  a2aParams `json:"params"`
}

type a2aParams struct {
	ID                  string     `json:"id"`
	SessionID           string     `json:"sessionId"`
	Message             a2aMessage `json:"message"`
	AcceptedOutputModes []string   `json:"acceptedOutputModes"`
}

type a2aMessage struct {
	Role  string    `json:"role"`
	Parts []a2aPart `json:"parts"`
}

type a2aPart struct {
	Type string         `json:"type"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// CallAgent sends text (plus structured context data) to the agent and
// returns the agent's result object.
func (c *Caller) CallAgent(ctx context.Context, entry AgentEntry, text string, contextData map[string]any) (map[string]any, error) {
	switch entry.Protocol {
	case ProtocolA2A:
		return c.callA2A(ctx, entry, text, contextData)
	case ProtocolLegacy:
		return c.callLegacy(ctx, entry, text, contextData)
	default:
		return nil, &CallError{
			Code:   "unsupported_protocol",
			Detail: fmt.Sprintf("agent %s has protocol %q", entry.ID, entry.Protocol),
		}
	}
}

func (c *Caller) callA2A(ctx context.Context, entry AgentEntry, text string, contextData map[string]any) (map[string]any, error) {
	if contextData == nil {
		contextData = map[string]any{}
	}

	envelope := a2aRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "tasks/send",
		Params: a2aParams{
			ID:        uuid.NewString(),
			SessionID: uuid.NewString(),
			Message: a2aMessage{
				Role: "user",
				Parts: []a2aPart{
					{Type: "text", Text: text},
					{Type: "data", Data: contextData},
				},
			},
			AcceptedOutputModes: []string{"text", "application/json"},
		},
	}

	url := strings.TrimSuffix(entry.Endpoint, "/") + "/tasks/send"
	body, status, err := c.post(ctx, url, envelope)
	if err != nil {
		return nil, &CallError{Code: "a2a_http_error", Status: status, Detail: err.Error()}
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &CallError{Code: "a2a_invalid_response", Detail: fmt.Sprintf("malformed response: %v", err)}
	}

	result, ok := parsed["result"]
	if !ok {
		return nil, &CallError{Code: "a2a_invalid_response", Detail: "response missing result"}
	}

	if m, ok := result.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": result}, nil
}

func (c *Caller) callLegacy(ctx context.Context, entry AgentEntry, text string, contextData map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"task":    text,
		"context": contextData,
	}

	url := strings.TrimSuffix(entry.Endpoint, "/") + "/task"
	body, status, err := c.post(ctx, url, payload)
	if err != nil {
		return nil, &CallError{Code: "legacy_http_error", Status: status, Detail: err.Error()}
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Legacy agents may answer with plain text.
		return map[string]any{"response": string(body)}, nil
	}
	return parsed, nil
}

// post sends a JSON body and returns the response bytes on 2xx.
func (c *Caller) post(ctx context.Context, url string, payload any) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		return nil, status, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	slog.Debug("Agent call completed", "url", url, "status", resp.StatusCode)
	return body, resp.StatusCode, nil
}
