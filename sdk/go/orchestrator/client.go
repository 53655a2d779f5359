// Package orchestrator is a Go client for the OpenMCP Orchestrator HTTP API.
package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Streaming calls ignore it and rely on the context instead.
const DefaultHTTPTimeout = 2 * time.Minute

// ErrStreamClosed is returned by stream readers when the server closed the
// connection before sending the done marker.
var ErrStreamClosed = errors.New("orchestrator: stream closed before done marker")

// Client wraps the HTTP interactions with the orchestrator API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	userID     string
	tenant     string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithIdentity sets the X-User-ID and X-Tenant headers sent with every call.
func WithIdentity(userID, tenant string) Option {
	return func(c *Client) {
		c.userID = userID
		c.tenant = tenant
	}
}

// Request starts a run.
type Request struct {
	SessionID   string `json:"session_id,omitempty"`
	RequestText string `json:"request_text"`
	TraceID     string `json:"trace_id,omitempty"`
}

// MissingParam describes the input a paused run is waiting for.
type MissingParam struct {
	StepID    string `json:"stepId"`
	ToolName  string `json:"toolName"`
	ParamName string `json:"paramName"`
	ParamType string `json:"paramType"`
	Reason    string `json:"reason"`
	Question  string `json:"question"`
}

// Result is the outcome of a synchronous run.
type Result struct {
	Success              bool          `json:"success"`
	Message              string        `json:"message"`
	Data                 any           `json:"data,omitempty"`
	ExecutionTimeSeconds float64       `json:"executionTimeSeconds"`
	PlanID               string        `json:"planId,omitempty"`
	TraceID              string        `json:"traceId,omitempty"`
	RequiresInput        bool          `json:"requiresInput,omitempty"`
	MissingParam         *MissingParam `json:"missingParam,omitempty"`
}

// TaskSubmission queues a run for asynchronous execution.
type TaskSubmission struct {
	ID       string         `json:"id,omitempty"`
	Request  Request        `json:"-"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Task is the server-side view of an asynchronous run.
type Task struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	Tenant      string         `json:"tenant"`
	RequestText string         `json:"request_text"`
	TraceID     string         `json:"trace_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      *Result        `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// Tool is one entry of the tool catalog.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Event is a lifecycle notification of a run.
type Event struct {
	Type      string         `json:"type"`
	TraceID   string         `json:"trace_id"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("orchestrator api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("orchestrator api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the given base URL.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Orchestrate runs a request synchronously.
func (c *Client) Orchestrate(ctx context.Context, req Request) (Result, error) {
	var res Result
	if err := c.post(ctx, "/api/v1/orchestrate", req, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

// SubmitTask queues a run and returns the pending task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	body := struct {
		ID       string         `json:"id,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
		Request
	}{ID: submission.ID, Metadata: submission.Metadata, Request: submission.Request}
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", body, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// WaitTask polls a task until it is done or ctx expires.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil || task.Done() {
			return task, err
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListTools returns the tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var body struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.get(ctx, "/api/v1/tools", &body); err != nil {
		return nil, err
	}
	return body.Tools, nil
}

// Stream runs a request and delivers its events to fn until the done marker.
func (c *Client) Stream(ctx context.Context, req Request, fn func(Event) error) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/orchestrate/stream", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.stream(httpReq, fn)
}

// StreamEvents attaches to a run by trace id and delivers its events to fn
// until the done marker.
func (c *Client) StreamEvents(ctx context.Context, traceID string, fn func(Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(traceID)+"/events", nil)
	if err != nil {
		return err
	}
	return c.stream(req, fn)
}

func (c *Client) stream(req *http.Request, fn func(Event) error) error {
	req.Header.Set("Accept", "text/event-stream")
	// the default client timeout would cut long-lived streams
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	return readSSE(resp.Body, fn)
}

// readSSE parses data lines; comment lines are keepalives.
func readSSE(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var marker struct {
			Done bool `json:"done"`
		}
		if err := json.Unmarshal([]byte(data), &marker); err == nil && marker.Done {
			return nil
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return ErrStreamClosed
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant", c.tenant)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
