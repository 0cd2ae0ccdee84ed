package agora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Agora server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Ignored when HTTPClient is set. Streaming connections are exempt.
	Timeout time.Duration
}

// Client is an HTTP client for the Agora debate API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("agora: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: baseURL,
		client:  httpClient,
	}, nil
}

// ---------------------------------------------------------------------------
// Debate lifecycle
// ---------------------------------------------------------------------------

// CreateDebate creates a debate. With req.AutoStart set the first round
// begins immediately; otherwise call Start.
func (c *Client) CreateDebate(ctx context.Context, req CreateDebateRequest) (*Debate, error) {
	var resp Debate
	if err := c.post(ctx, "/v1/debates", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDebate retrieves a debate with its configuration and progress.
func (c *Client) GetDebate(ctx context.Context, id uuid.UUID) (*Debate, error) {
	var resp Debate
	if err := c.get(ctx, "/v1/debates/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Start begins the first round of a created debate.
func (c *Client) Start(ctx context.Context, id uuid.UUID) (*ControlAck, error) {
	return c.control(ctx, "/v1/debates/"+id.String()+"/start", nil)
}

// Pause requests a pause at the next turn boundary. The in-flight turn
// finishes streaming before the debate stops producing turns.
func (c *Client) Pause(ctx context.Context, id uuid.UUID) (*ControlAck, error) {
	return c.control(ctx, "/v1/debates/"+id.String()+"/pause", nil)
}

// Resume continues a paused debate. A debate paused by the critical
// cost threshold refuses to resume unless overrideCriticalCost is set;
// the override is consumed by the single resume it accompanies.
func (c *Client) Resume(ctx context.Context, id uuid.UUID, overrideCriticalCost bool) (*ControlAck, error) {
	var body any
	if overrideCriticalCost {
		body = map[string]any{"override_critical_cost": true}
	}
	return c.control(ctx, "/v1/debates/"+id.String()+"/resume", body)
}

// Stop ends a debate immediately, cancelling any in-flight turn.
func (c *Client) Stop(ctx context.Context, id uuid.UUID) (*ControlAck, error) {
	return c.control(ctx, "/v1/debates/"+id.String()+"/stop", nil)
}

func (c *Client) control(ctx context.Context, path string, body any) (*ControlAck, error) {
	var resp ControlAck
	if err := c.post(ctx, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Conversations and transcripts
// ---------------------------------------------------------------------------

// ListDebatesOptions are optional filters for ListDebates.
type ListDebatesOptions struct {
	Status string
	Limit  int
	Offset int
}

// ListDebates lists debates newest first, optionally filtered by status.
func (c *Client) ListDebates(ctx context.Context, opts *ListDebatesOptions) (*Page[Debate], error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	return getPage[Debate](ctx, c, "/v1/conversations", params)
}

// DeleteDebate deletes a debate and all derived data. A running debate
// is stopped first. Returns nil on success (204 No Content).
func (c *Client) DeleteDebate(ctx context.Context, id uuid.UUID) error {
	return c.doDelete(ctx, "/v1/conversations/"+id.String(), nil)
}

// Messages retrieves the transcript in sequence order.
func (c *Client) Messages(ctx context.Context, id uuid.UUID, limit, offset int) (*Page[Message], error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	return getPage[Message](ctx, c, "/v1/conversations/"+id.String()+"/messages", params)
}

// SearchMessages performs a semantic search over the transcript.
// Requires the server to run with an embedding provider; otherwise the
// call fails with a 501 (check with IsNotImplemented).
func (c *Client) SearchMessages(ctx context.Context, id uuid.UUID, query string, limit int) (*Page[ScoredMessage], error) {
	params := url.Values{}
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return getPage[ScoredMessage](ctx, c, "/v1/conversations/"+id.String()+"/search", params)
}

// ---------------------------------------------------------------------------
// Quality
// ---------------------------------------------------------------------------

// Quality retrieves the latest quality rollup for a debate.
func (c *Client) Quality(ctx context.Context, id uuid.UUID) (*QualityReport, error) {
	var resp QualityReport
	if err := c.get(ctx, "/v1/conversations/"+id.String()+"/quality", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ContradictionOptions are optional filters for Contradictions.
type ContradictionOptions struct {
	// Status filters by resolution state: "resolved" or "unresolved".
	Status string
	// Severity filters by "low", "medium", or "high".
	Severity string
	Page     int
	PageSize int
}

// Contradictions lists detected contradictions for a debate.
func (c *Client) Contradictions(ctx context.Context, id uuid.UUID, opts *ContradictionOptions) (*Page[Contradiction], error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		if opts.Severity != "" {
			params.Set("severity", opts.Severity)
		}
		if opts.Page > 0 {
			params.Set("page", strconv.Itoa(opts.Page))
		}
		if opts.PageSize > 0 {
			params.Set("page_size", strconv.Itoa(opts.PageSize))
		}
	}
	return getPage[Contradiction](ctx, c, "/v1/conversations/"+id.String()+"/contradictions", params)
}

// ResolveContradiction marks a contradiction resolved (or reopens it
// with resolved=false). Idempotent; the note replaces any earlier note.
func (c *Client) ResolveContradiction(ctx context.Context, id uuid.UUID, resolved bool, note *string) (*Contradiction, error) {
	body := map[string]any{"resolved": resolved}
	if note != nil {
		body["note"] = *note
	}
	var resp Contradiction
	if err := c.post(ctx, "/v1/contradictions/"+id.String()+"/resolve", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LoopOptions are optional filters for Loops.
type LoopOptions struct {
	// Status filters by intervention state: "detected", "intervened", or "broken".
	Status         string
	MinRepetitions int
	Limit          int
	Offset         int
}

// Loops lists detected repetition loops for a debate.
func (c *Client) Loops(ctx context.Context, id uuid.UUID, opts *LoopOptions) (*Page[Loop], error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		if opts.MinRepetitions > 0 {
			params.Set("min_repetitions", strconv.Itoa(opts.MinRepetitions))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	return getPage[Loop](ctx, c, "/v1/conversations/"+id.String()+"/loops", params)
}

// HealthHistory retrieves the quality time series, newest first.
func (c *Client) HealthHistory(ctx context.Context, id uuid.UUID, limit int) (*Page[HealthSample], error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return getPage[HealthSample](ctx, c, "/v1/conversations/"+id.String()+"/health-history", params)
}

// Citations lists URLs cited in a debate's transcript.
func (c *Client) Citations(ctx context.Context, id uuid.UUID) (*Page[Citation], error) {
	return getPage[Citation](ctx, c, "/v1/conversations/"+id.String()+"/citations", nil)
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// getPage fetches a list endpoint and decodes the pagination envelope.
func getPage[T any](ctx context.Context, c *Client, path string, params url.Values) (*Page[T], error) {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("agora: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agora: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("agora: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	var envelope listEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("agora: decode response envelope: %w", err)
	}
	page := &Page[T]{
		Total:   envelope.Total,
		HasMore: envelope.HasMore,
		Limit:   envelope.Limit,
		Offset:  envelope.Offset,
	}
	if envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, &page.Items); err != nil {
			return nil, fmt.Errorf("agora: decode list items: %w", err)
		}
	}
	return page, nil
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agora: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("agora: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("agora: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("agora: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agora: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("agora: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content, nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("agora: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
