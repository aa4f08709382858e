package toolmind

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
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Event streams are long lived, so StreamEvents relies on the context instead.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ToolMind REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	userID     string
}

// RunSubmission is the payload required to queue a new run.
type RunSubmission struct {
	ID          string   `json:"id,omitempty"`
	Query       string   `json:"query"`
	GuidePrompt string   `json:"guide_prompt,omitempty"`
	WebSearch   bool     `json:"web_search"`
	Plugins     []string `json:"plugins,omitempty"`
	MCPServers  []string `json:"mcp_servers,omitempty"`
}

// RunResult is the accepted answer of a succeeded run.
type RunResult struct {
	Answer    string `json:"answer"`
	Title     string `json:"title,omitempty"`
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
	Attempts  int    `json:"attempts"`
	Passed    bool   `json:"passed"`
	SessionID string `json:"session_id,omitempty"`
}

// Run is the server side view of a queued submission.
type Run struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Query       string     `json:"query"`
	GuidePrompt string     `json:"guide_prompt,omitempty"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxRetries  int        `json:"max_retries"`
	LastError   string     `json:"last_error,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	Result      *RunResult `json:"result,omitempty"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

// Terminal reports whether the run will not change anymore.
func (r Run) Terminal() bool {
	return r.Status == "succeeded" || r.Status == "failed"
}

// Event is one frame of a run's event stream.
type Event struct {
	ID   int64
	Type string
	Data json.RawMessage
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
		return fmt.Sprintf("toolmind api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("toolmind api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client acting on behalf of userID. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL, userID string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, userID: userID}, nil
}

// SubmitRun queues a run and returns its pending record.
func (c *Client) SubmitRun(ctx context.Context, sub RunSubmission) (Run, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return Run{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/runs", nil, bytes.NewReader(body))
	if err != nil {
		return Run{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var run Run
	if err := c.do(req, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, nil)
	if err != nil {
		return Run{}, err
	}
	var run Run
	if err := c.do(req, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns returns the caller's runs, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, limit int, statuses ...string) ([]Run, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if len(statuses) > 0 {
		query.Set("status", strings.Join(statuses, ","))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/runs", query, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Runs []Run `json:"runs"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// StreamEvents replays a run's events starting at sequence from and keeps
// following until the run is terminal or the context ends. fn returning an
// error stops the stream and that error is returned.
func (c *Client) StreamEvents(ctx context.Context, runID string, from int64, fn func(Event) error) error {
	query := url.Values{}
	if from > 0 {
		query.Set("from", strconv.FormatInt(from, 10))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID)+"/events", query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The default client timeout would cut long streams short.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	return readEvents(resp.Body, fn)
}

// readEvents parses text/event-stream frames separated by blank lines.
func readEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		ev      Event
		data    []string
		pending bool
	)
	flush := func() error {
		if !pending {
			return nil
		}
		ev.Data = json.RawMessage(strings.Join(data, "\n"))
		err := fn(ev)
		ev, data, pending = Event{}, nil, false
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", value, err)
			}
			ev.ID = id
			pending = true
		case "event":
			ev.Type = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return flush()
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.userID == "" {
		return nil, errors.New("toolmind: user id is not set")
	}
	req.Header.Set("X-User-ID", c.userID)
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
	if out == nil || resp.StatusCode == http.StatusNoContent {
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
