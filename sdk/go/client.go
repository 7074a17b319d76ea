package curriculasdk

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

// Client is a minimal Curricula HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// PollInterval is used by WaitRun; it defaults to one second.
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      baseURL,
		Timeout:      10 * time.Second,
		PollInterval: time.Second,
	}
}

// StartRunRequest submits a baseline curriculum. Set either Document (the
// JSON document form) or Content with its Format.
type StartRunRequest struct {
	Document       map[string]any `json:"document,omitempty"`
	Format         string         `json:"format,omitempty"`
	Content        string         `json:"content,omitempty"`
	Major          string         `json:"major,omitempty"`
	MaxRounds      int            `json:"max_rounds,omitempty"`
	Threshold      *float64       `json:"convergence_threshold,omitempty"`
	Epsilon        *float64       `json:"stagnation_epsilon,omitempty"`
	PerCallTimeout string         `json:"per_call_timeout,omitempty"`
}

// Run is the persisted summary of a run.
type Run struct {
	ID          string `json:"id"`
	Major       string `json:"major"`
	Status      string `json:"status"`
	Outcome     string `json:"outcome"`
	StopReason  string `json:"stop_reason"`
	Rounds      int    `json:"rounds"`
	Error       string `json:"error"`
	FinalDigest string `json:"final_digest"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Finished reports whether the run reached a terminal status.
func (r Run) Finished() bool { return r.Status == "finished" }

// Metrics represents the per-round metrics (partial).
type Metrics struct {
	Round        int                `json:"round"`
	Satisfaction map[string]float64 `json:"satisfaction"`
	Aggregate    float64            `json:"aggregate"`
	Improvement  *float64           `json:"improvement"`
	Delta        int                `json:"delta"`
	Pending      int                `json:"pending"`
	Consensus    float64            `json:"consensus"`
}

// Round represents a committed round (partial).
type Round struct {
	Number    int              `json:"number"`
	Conflicts []map[string]any `json:"conflicts"`
	Solution  map[string]any   `json:"solution"`
	Metrics   Metrics          `json:"metrics"`
	Digest    string           `json:"digest"`
	Decision  struct {
		Stop    bool   `json:"stop"`
		Reason  string `json:"reason"`
		Outcome string `json:"outcome"`
	} `json:"decision"`
}

// Report represents the final report of a run (partial).
type Report struct {
	RunID           string         `json:"run_id"`
	Outcome         string         `json:"outcome"`
	StopReason      string         `json:"stop_reason"`
	Rounds          int            `json:"rounds"`
	FinalDocument   map[string]any `json:"final_document"`
	FinalDigest     string         `json:"final_digest"`
	Comparison      map[string]any `json:"comparison"`
	Recommendations []string       `json:"recommendations"`
	Failure         map[string]any `json:"failure,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Round     int            `json:"round"`
	EntityRef string         `json:"entity_ref"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartRun submits a run. The returned run is queued.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs", req, &resp)
	return resp, err
}

// GetRun returns one run.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, runPath(id, ""), nil, &resp)
	return resp, err
}

// ListRuns returns the most recent runs.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	endpoint := "v0/runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CancelRun stops an active run.
func (c *Client) CancelRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, runPath(id, "cancel"), nil, &resp)
	return resp, err
}

// Rounds returns the committed rounds of a run.
func (c *Client) Rounds(ctx context.Context, id string) ([]Round, error) {
	var resp struct {
		Items []Round `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, runPath(id, "rounds"), nil, &resp)
	return resp.Items, err
}

// Report returns the final report of a finished run.
func (c *Client) Report(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, runPath(id, "report"), nil, &resp)
	return resp, err
}

// Events returns the first page of a run's events.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, id, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := runPath(id, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WaitRun polls until the run has finished or ctx ends.
func (c *Client) WaitRun(ctx context.Context, id string) (Run, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return run, err
		}
		if run.Finished() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func runPath(id, sub string) string {
	p := "v0/runs/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
