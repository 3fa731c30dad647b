package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const defaultBaseURL = "http://127.0.0.1:8000/v1"

// ErrInactivity is returned when the backend neither produces data nor
// closes the connection within the configured inactivity window. It is
// distinct from a fast explicit error so callers can account for it
// separately.
var ErrInactivity = errors.New("backend inactivity timeout")

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithInactivityTimeout bounds the gap between successive reads from the
// backend. Zero disables the watchdog.
func WithInactivityTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.inactivity = d
	}
}

// Client is an HTTP client for Chat-Completions-compatible backends.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	inactivity time.Duration
}

// NewClient creates a new backend client. The API key may be empty for
// local servers that do not authenticate.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateChatCompletion sends a non-streaming chat completion request.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, rc := c.watchBody(resp.Body)
	respBody, err := io.ReadAll(body)
	if err != nil {
		if rc.expired() {
			return nil, ErrInactivity
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	rc.stop()

	if resp.StatusCode != http.StatusOK {
		if apiErr, perr := ParseErrorResponse(respBody); perr == nil && apiErr != nil {
			return nil, apiErr
		}
		return nil, fmt.Errorf("backend error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result ChatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &result, nil
}

// StreamResult wraps a chunk or error from streaming.
type StreamResult struct {
	Chunk *ChatCompletionChunk
	Err   error
}

// StreamChatCompletion sends a streaming request and returns a channel of
// chunks. The channel is closed when the stream ends or errors; cancelling
// ctx aborts the underlying read.
func (c *Client) StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest) (<-chan StreamResult, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if apiErr, perr := ParseErrorResponse(respBody); perr == nil && apiErr != nil {
			return nil, apiErr
		}
		return nil, fmt.Errorf("backend error (status %d): %s", resp.StatusCode, string(respBody))
	}

	out := make(chan StreamResult)
	go c.streamReader(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) post(ctx context.Context, req *ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("User-Agent", "claudeshim/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, out chan<- StreamResult) {
	defer close(out)
	defer body.Close()

	// Abort the read when the caller goes away so a half-read backend
	// connection is not left open.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-done:
		}
	}()

	// Every send races ctx so a consumer that stopped draining cannot
	// strand this goroutine on a channel send after cancellation.
	send := func(res StreamResult) bool {
		select {
		case out <- res:
			return true
		case <-ctx.Done():
			return false
		}
	}

	watched, rc := c.watchBody(body)
	defer rc.stop()

	scanner := bufio.NewScanner(watched)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		rc.touch()
		line := scanner.Text()

		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			send(StreamResult{Err: fmt.Errorf("failed to unmarshal chunk: %w", err)})
			return
		}

		if !send(StreamResult{Chunk: &chunk}) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if rc.expired() {
			send(StreamResult{Err: ErrInactivity})
			return
		}
		if ctx.Err() != nil {
			send(StreamResult{Err: ctx.Err()})
			return
		}
		send(StreamResult{Err: fmt.Errorf("stream read error: %w", err)})
	}
}

// readClock closes a body when no data arrives for the inactivity window.
type readClock struct {
	timer   *time.Timer
	window  time.Duration
	tripped atomic.Bool
}

func (r *readClock) touch() {
	if r.timer != nil {
		r.timer.Reset(r.window)
	}
}

func (r *readClock) stop() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *readClock) expired() bool {
	return r.tripped.Load()
}

// watchBody arms the inactivity watchdog around a response body. When the
// window elapses without a read completing, the body is closed and the
// in-flight read fails; expired() reports the distinction.
func (c *Client) watchBody(body io.ReadCloser) (io.Reader, *readClock) {
	rc := &readClock{window: c.inactivity}
	if c.inactivity <= 0 {
		return body, rc
	}
	rc.timer = time.AfterFunc(c.inactivity, func() {
		rc.tripped.Store(true)
		body.Close()
	})
	return &touchingReader{r: body, rc: rc}, rc
}

type touchingReader struct {
	r  io.Reader
	rc *readClock
}

func (t *touchingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.rc.touch()
	}
	return n, err
}
