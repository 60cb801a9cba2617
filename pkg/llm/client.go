// Package llm is the coordinator's gateway to an OpenAI-compatible chat
// completion API. Remote failures never surface as Go errors: every call
// returns a Response, with ErrorCode set when the provider misbehaved, so
// planning can always fall back instead of crashing.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/pkg/config"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	Prompt       string
	SystemPrompt string
	History      []Message
	MaxTokens    int
	Temperature  float64
}

// Response is the outcome of a completion call. ErrorCode is empty on
// success; otherwise it carries one of the taxonomy codes
// (authentication_failed, rate_limit_exceeded, server_error, timeout,
// network_error, http_error_<code>, invalid_response) and Detail holds a
// human-readable description.
type Response struct {
	Content   string
	ErrorCode string
	Detail    string
}

// Failed reports whether the call was annotated with an error.
func (r *Response) Failed() bool {
	return r.ErrorCode != ""
}

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	cfg        config.LLMConfig
	httpClient *http.Client

	// verified flips to true after the first successful probe. Duplicate
	// probes under concurrency are harmless.
	verified atomic.Bool
}

// New creates a client for the configured provider. The timeout applies to
// each HTTP request, including the full streaming read.
func New(cfg config.LLMConfig, timeout time.Duration) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// OpenAI-compatible wire types.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Verified reports whether the provider connection has been probed
// successfully.
func (c *Client) Verified() bool {
	return c.verified.Load()
}

// Complete performs a blocking completion.
func (c *Client) Complete(ctx context.Context, req Request) *Response {
	if resp := c.verify(ctx); resp != nil {
		return resp
	}
	return c.complete(ctx, req)
}

// StreamComplete performs a streaming completion, invoking onChunk for each
// content delta as it arrives. The returned Response carries the full
// accumulated content, or an error annotation if the stream could not be
// established. Chunks that fail to parse are skipped.
func (c *Client) StreamComplete(ctx context.Context, req Request, onChunk func(string)) *Response {
	if resp := c.verify(ctx); resp != nil {
		return resp
	}

	body, annotated := c.post(ctx, req, true)
	if annotated != nil {
		return annotated
	}
	defer body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Debug("Skipping unparseable stream chunk", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			full.WriteString(delta)
			if onChunk != nil {
				onChunk(delta)
			}
		}
		if chunk.Choices[0].FinishReason != "" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if full.Len() == 0 {
			return annotate(err)
		}
		slog.Warn("Stream ended with error, keeping partial content", "error", err)
	}

	return &Response{Content: full.String()}
}

// verify runs a one-time 10-token probe against the provider. It returns
// nil when the connection is usable and an annotated Response otherwise.
func (c *Client) verify(ctx context.Context) *Response {
	if c.verified.Load() {
		return nil
	}

	probe := c.complete(ctx, Request{Prompt: "Hello", MaxTokens: 10})
	if probe.Failed() {
		slog.Warn("LLM connection verification failed",
			"error_code", probe.ErrorCode, "detail", probe.Detail)
		return probe
	}

	c.verified.Store(true)
	slog.Info("LLM connection verified", "model", c.cfg.Model, "base_url", c.cfg.BaseURL)
	return nil
}

func (c *Client) complete(ctx context.Context, req Request) *Response {
	body, annotated := c.post(ctx, req, false)
	if annotated != nil {
		return annotated
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return annotate(err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return &Response{
			ErrorCode: "invalid_response",
			Detail:    fmt.Sprintf("failed to parse completion response: %v", err),
		}
	}
	if parsed.Error != nil {
		return &Response{
			ErrorCode: "invalid_response",
			Detail:    parsed.Error.Message,
		}
	}
	if len(parsed.Choices) == 0 {
		return &Response{
			ErrorCode: "invalid_response",
			Detail:    "completion response has no choices",
		}
	}

	return &Response{Content: parsed.Choices[0].Message.Content}
}

// post sends the chat request and returns the response body on 2xx, or an
// annotated Response for every failure mode.
func (c *Client) post(ctx context.Context, req Request, stream bool) (io.ReadCloser, *Response) {
	messages := make([]chatMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}

	payload, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, &Response{ErrorCode: "invalid_response", Detail: err.Error()}
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Response{ErrorCode: "network_error", Detail: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, annotate(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, annotateStatus(resp.StatusCode, string(detail))
	}

	return resp.Body, nil
}

// annotate classifies a transport-level error.
func annotate(err error) *Response {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return &Response{ErrorCode: "timeout", Detail: err.Error()}
	default:
		return &Response{ErrorCode: "network_error", Detail: err.Error()}
	}
}

// annotateStatus classifies a non-2xx HTTP status.
func annotateStatus(status int, detail string) *Response {
	var code string
	switch {
	case status == http.StatusUnauthorized:
		code = "authentication_failed"
	case status == http.StatusTooManyRequests:
		code = "rate_limit_exceeded"
	case status >= 500:
		code = "server_error"
	default:
		code = fmt.Sprintf("http_error_%d", status)
	}
	return &Response{ErrorCode: code, Detail: detail}
}
