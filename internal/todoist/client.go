// Package todoist is a small client for the Todoist REST API and the
// task tools built on it.
package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/synthia-ai/synthia/internal/httpkit"
)

// DefaultBaseURL is the Todoist API root.
const DefaultBaseURL = "https://api.todoist.com/api/v1"

const pageSize = 50

// Task is an active Todoist task.
type Task struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
	Due         *Due   `json:"due,omitempty"`
}

// Due is a task deadline.
type Due struct {
	Date   string `json:"date"`
	String string `json:"string,omitempty"`
}

// TaskFields are the writable fields of a task. Nil fields are left
// unchanged on update.
type TaskFields struct {
	Content     *string `json:"content,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	DueString   *string `json:"due_string,omitempty"`
}

func (f TaskFields) empty() bool {
	return f.Content == nil && f.Description == nil && f.Priority == nil && f.DueString == nil
}

// APIError is a non-2xx response.
type APIError struct {
	Code int
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("todoist API error %d: %s", e.Code, e.Body)
}

// Client talks to the Todoist API with a personal token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(20*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type page struct {
	Results    []Task  `json:"results"`
	NextCursor *string `json:"next_cursor"`
}

// ListTasks returns every active task, following pagination cursors.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	return c.paginate(ctx, "/tasks", url.Values{})
}

// FilterTasks returns tasks matching a Todoist filter query such as
// "today" or "overdue".
func (c *Client) FilterTasks(ctx context.Context, query string) ([]Task, error) {
	return c.paginate(ctx, "/tasks/filter", url.Values{"query": {query}})
}

func (c *Client) paginate(ctx context.Context, path string, q url.Values) ([]Task, error) {
	var all []Task
	q.Set("limit", fmt.Sprint(pageSize))
	for {
		var p page
		if err := c.do(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Results...)
		if p.NextCursor == nil || *p.NextCursor == "" {
			return all, nil
		}
		q.Set("cursor", *p.NextCursor)
	}
}

// CreateTask adds a task. Content is required.
func (c *Client) CreateTask(ctx context.Context, f TaskFields) (*Task, error) {
	if f.Content == nil || *f.Content == "" {
		return nil, fmt.Errorf("create task: content is required")
	}
	var t Task
	if err := c.do(ctx, http.MethodPost, "/tasks", f, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask changes the non-nil fields of a task.
func (c *Client) UpdateTask(ctx context.Context, id string, f TaskFields) (*Task, error) {
	if f.empty() {
		return nil, fmt.Errorf("update task %s: nothing to update", id)
	}
	var t Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id), f, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CloseTask marks a task completed.
func (c *Client) CloseTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/close", nil, nil)
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Code: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 512)}
	}
	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
