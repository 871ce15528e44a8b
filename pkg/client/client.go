package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a response body is read. Histories of
// long-lived batches can be large.
const maxResponseBytes = 8 << 20

// AppendRequest is the payload for AppendEvent.
type AppendRequest struct {
	BatchID   string         `json:"batch_id"`
	ActorID   string         `json:"actor_id"`
	ActorRole string         `json:"actor_role"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data"`
}

// Event is a stored trace event.
type Event struct {
	ID            string         `json:"id"`
	BatchID       string         `json:"batch_id"`
	Seq           int64          `json:"seq"`
	ActorID       string         `json:"actor_id"`
	ActorRole     string         `json:"actor_role"`
	EventType     string         `json:"event_type"`
	EventData     map[string]any `json:"event_data"`
	Timestamp     time.Time      `json:"timestamp"`
	PrevHash      string         `json:"prev_hash"`
	CurrentHash   string         `json:"current_hash"`
	BindingHash   string         `json:"binding_hash"`
	OnChainStatus string         `json:"on_chain_status"`
	TxHash        string         `json:"tx_hash,omitempty"`
}

// Verification is the integrity report for one batch chain.
type Verification struct {
	Valid           bool   `json:"valid"`
	Message         string `json:"message"`
	EventCount      int    `json:"event_count"`
	Empty           bool   `json:"empty"`
	BreakingEventID string `json:"breaking_event_id,omitempty"`
	BreakingIndex   *int   `json:"breaking_index,omitempty"`
	Failure         string `json:"failure,omitempty"`
}

// History is a batch's events in chain order and their verification.
type History struct {
	BatchID      string       `json:"batch_id"`
	Events       []Event      `json:"events"`
	Count        int          `json:"count"`
	Verification Verification `json:"verification"`
}

// Anchor is one external ledger record for a batch.
type Anchor struct {
	BatchID    string    `json:"batch_id"`
	EventType  string    `json:"event_type"`
	Commitment string    `json:"commitment"`
	TxHash     string    `json:"tx_hash"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// Anchors is the response of the anchors endpoint.
type Anchors struct {
	BatchID          string   `json:"batch_id"`
	Anchors          []Anchor `json:"anchors"`
	Count            int      `json:"count"`
	AnchoringEnabled bool     `json:"anchoring_enabled"`
}

// APIError is a non-2xx response from the traceledger service.
type APIError struct {
	StatusCode int
	Message    string
	Field      string // set for validation failures
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("traceledger: %d %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("traceledger: %d %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusTooManyRequests
}

// IsNotFound reports whether err is a 404 APIError.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to the traceledger REST API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// WithBearerToken attaches a token to every request, for deployments that
// front the service with an authenticating proxy.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client for the service at baseURL.
//
//	c, err := client.New("http://localhost:8080", client.WithTimeout(5*time.Second))
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// AppendEvent records a new event at the end of the batch chain.
func (c *Client) AppendEvent(ctx context.Context, req AppendRequest) (*Event, error) {
	var ev Event
	if err := c.call(ctx, http.MethodPost, "/api/v1/events", req, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Event fetches a single event by id.
func (c *Client) Event(ctx context.Context, id string) (*Event, error) {
	var ev Event
	if err := c.call(ctx, http.MethodGet, "/api/v1/events/"+url.PathEscape(id), nil, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// History fetches a batch's events and their verification.
func (c *Client) History(ctx context.Context, batchID string) (*History, error) {
	var h History
	if err := c.call(ctx, http.MethodGet, batchPath(batchID, "history"), nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Verify runs chain verification for a batch. A broken chain is not an
// error; check Verification.Valid.
func (c *Client) Verify(ctx context.Context, batchID string) (*Verification, error) {
	var v Verification
	if err := c.call(ctx, http.MethodGet, batchPath(batchID, "verify"), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Anchors lists the external ledger records for a batch.
func (c *Client) Anchors(ctx context.Context, batchID string) (*Anchors, error) {
	var a Anchors
	if err := c.call(ctx, http.MethodGet, batchPath(batchID, "anchors"), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func batchPath(batchID, leaf string) string {
	return "/api/v1/batches/" + url.PathEscape(batchID) + "/" + leaf
}

func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	raw, err := c.do(req)
	if err != nil {
		return err
	}
	if respBody != nil {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error string `json:"error"`
			Field string `json:"field"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Field = payload.Field
		}
		return nil, apiErr
	}
	return body, nil
}
