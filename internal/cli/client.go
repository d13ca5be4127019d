package cli

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

	"github.com/gorilla/websocket"

	"github.com/danpasecinic/inpaintd/internal/api"
	"github.com/danpasecinic/inpaintd/internal/types"
)

// ErrStreamClosed is returned by Watch when the server closes the stream
// before a terminal event arrives
var ErrStreamClosed = errors.New("event stream closed")

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SubmitJob posts a job and returns where to follow it
func (c *Client) SubmitJob(job types.Job) (*api.SubmitResponse, error) {
	var resp api.SubmitResponse
	if err := c.post("/api/v1/jobs", job, &resp, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Preflight asks the server to validate a job without running it
func (c *Client) Preflight(job types.Job) (*types.PreprocessingReport, error) {
	var report types.PreprocessingReport
	if err := c.post("/api/v1/preflight", job, &report, http.StatusOK); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) ListTasks(status string) ([]types.Task, error) {
	path := "/api/v1/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var tasks []types.Task
	if err := c.get(path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) GetTask(taskID string) (*types.Task, error) {
	var task types.Task
	if err := c.get("/api/v1/tasks/"+url.PathEscape(taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetRetries returns the retry audit trail of a task
func (c *Client) GetRetries(taskID string) ([]types.RetryAttempt, error) {
	var attempts []types.RetryAttempt
	if err := c.get("/api/v1/tasks/"+url.PathEscape(taskID)+"/retries", &attempts); err != nil {
		return nil, err
	}
	return attempts, nil
}

// CancelTask requests cancellation and returns the task as it stands after
func (c *Client) CancelTask(taskID string) (*types.Task, error) {
	var task types.Task
	if err := c.post("/api/v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &task, http.StatusOK); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) Stats() (*api.StatsResponse, error) {
	var stats api.StatsResponse
	if err := c.get("/api/v1/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Watch streams events of one task to fn until a terminal event arrives,
// fn returns false, or ctx is done. The terminal event is returned.
func (c *Client) Watch(ctx context.Context, taskID string, fn func(types.Event) bool) (types.Event, error) {
	streamURL, err := c.streamURL(taskID)
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", streamURL, err)
	}
	defer func() { _ = ws.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrStreamClosed
			}
			return nil, fmt.Errorf("read event: %w", err)
		}

		ev, err := types.UnmarshalEvent(data)
		if err != nil {
			continue
		}
		if fn != nil && !fn(ev) {
			return nil, nil
		}
		if types.IsTerminalEvent(ev) {
			return ev, nil
		}
	}
}

func (c *Client) streamURL(taskID string) (string, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/ws")
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("task_id", taskID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("get request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) post(path string, in, out interface{}, want int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", body)
	if err != nil {
		return fmt.Errorf("post request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		return statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError prefers the server's {"error": ...} message over the raw body
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
}
