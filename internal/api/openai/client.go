// Package openai provides the HTTP client for the target provider's Chat
// Completions API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	codec "github.com/tjfontaine/llm-bridge/internal/codec/openai"
	"github.com/tjfontaine/llm-bridge/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 120 * time.Second
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client is an HTTP client for the target provider.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client. The default transport is instrumented so
// outbound calls appear in traces.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateChatCompletion sends a non-streaming chat completion request.
func (c *Client) CreateChatCompletion(ctx context.Context, req *codec.ChatCompletionRequest) (*codec.ChatCompletionResponse, error) {
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrForwarding(true, "read response: %v", err).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp.StatusCode, respBody)
	}

	var result codec.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, domain.ErrForwarding(false, "unmarshal response: %v", err).WithCause(err)
	}
	return &result, nil
}

// StreamResult wraps a chunk or error from streaming.
type StreamResult struct {
	Chunk *codec.ChatCompletionChunk
	Err   error
}

// StreamChatCompletion sends a streaming chat completion request and
// returns a channel of chunks. The channel is closed when the stream ends
// or the context is canceled.
func (c *Client) StreamChatCompletion(ctx context.Context, req *codec.ChatCompletionRequest) (<-chan StreamResult, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &codec.StreamOptions{IncludeUsage: true}
	}

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, errorFromResponse(resp.StatusCode, respBody)
	}

	out := make(chan StreamResult)
	go c.streamReader(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) post(ctx context.Context, req *codec.ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.ErrTransformation("marshal target request: %v", err).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, domain.ErrForwarding(false, "create request: %v", err).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.ErrForwarding(true, "target request failed: %v", err).WithCause(err)
	}
	return resp, nil
}

func errorFromResponse(statusCode int, body []byte) error {
	if apiErr, err := codec.ParseErrorResponse(body); err == nil && apiErr != nil {
		return apiErr.ToBridgeError(statusCode)
	}
	retryable := statusCode == http.StatusTooManyRequests || statusCode >= 500
	return domain.ErrForwarding(retryable, "target returned status %d", statusCode).WithStatusCode(statusCode)
}

func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, out chan<- StreamResult) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Single deltas can carry large tool argument slices.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk codec.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.send(ctx, out, StreamResult{Err: domain.ErrForwarding(false, "unmarshal chunk: %v", err).WithCause(err)})
			return
		}
		if !c.send(ctx, out, StreamResult{Chunk: &chunk}) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		c.send(ctx, out, StreamResult{Err: domain.ErrForwarding(true, "stream read error: %v", err).WithCause(err)})
	}
}

func (c *Client) send(ctx context.Context, out chan<- StreamResult, res StreamResult) bool {
	select {
	case out <- res:
		return true
	case <-ctx.Done():
		return false
	}
}
