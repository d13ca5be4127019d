package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/types"
)

const maxErrorBody = 64 << 10

// Error is a failure reported by the backend over HTTP
type Error struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

// ErrorKind exposes the machine-readable kind to the classifier
func (e *Error) ErrorKind() string {
	return e.Kind
}

// Request is one inpainting call
type Request struct {
	TaskID      string                  `json:"task_id"`
	Payload     types.PayloadDescriptor `json:"payload"`
	Units       []types.UnitDescriptor  `json:"units"`
	Params      types.ProcessingParams  `json:"params"`
	CallbackURL string                  `json:"callback_url,omitempty"`
}

// Result is either a synchronous binary result or an async acknowledgment
type Result struct {
	Data         []byte
	ContentType  string
	Async        bool
	RemoteTaskID string
}

// ModelInfo is what the backend reports about its loaded model
type ModelInfo struct {
	Name   string `json:"name"`
	Device string `json:"device"`
}

// Client talks to the external computational backend
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a backend client. timeout bounds every request; per-call
// deadlines come from the context.
func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.OrNop(log).With(zap.String("component", "backend")),
	}
}

// Inpaint submits a request. A 200 carries the result image; a 202 carries
// the backend's own task id for an asynchronous run.
func (c *Client) Inpaint(ctx context.Context, req Request) (*Result, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/inpaint", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post inpaint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read result: %w", err)
		}
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = mimetype.Detect(body).String()
		}
		return &Result{Data: body, ContentType: contentType}, nil

	case http.StatusAccepted:
		var ack struct {
			TaskID string `json:"task_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return nil, fmt.Errorf("decode acknowledgment: %w", err)
		}
		if ack.TaskID == "" {
			return nil, &Error{StatusCode: resp.StatusCode, Kind: "bad_response", Message: "acknowledgment without task_id"}
		}
		c.logger.Debug("backend accepted async job", zap.String("task_id", req.TaskID), zap.String("remote_id", ack.TaskID))
		return &Result{Async: true, RemoteTaskID: ack.TaskID}, nil

	default:
		return nil, decodeError(resp)
	}
}

// Health returns nil when the backend answers its health probe
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// ModelInfo returns the backend's loaded model
func (c *Client) ModelInfo(ctx context.Context) (ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/model", nil)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("model request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ModelInfo{}, decodeError(resp)
	}

	var info ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ModelInfo{}, fmt.Errorf("decode response: %w", err)
	}
	return info, nil
}

// decodeError turns a non-success response into *Error. A JSON body may name
// the kind itself; otherwise it is derived from the status and message.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
		Kind   string `json:"kind"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Error != "":
			message = payload.Error
		case payload.Detail != "":
			message = payload.Detail
		}
	}

	kind := payload.Kind
	if kind == "" {
		kind = kindFor(resp.StatusCode, message)
	}
	return &Error{StatusCode: resp.StatusCode, Kind: kind, Message: message}
}

func kindFor(status int, message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "cuda out of memory"):
		return "gpu_oom"
	case strings.Contains(lower, "out of memory"):
		return "oom"
	}

	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusUnsupportedMediaType:
		return "bad_request"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "forbidden"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return "timeout"
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return "unavailable"
	case http.StatusInsufficientStorage:
		return "oom"
	}

	if strings.Contains(lower, "model") && strings.Contains(lower, "load") {
		return "model_load"
	}
	if status >= 500 {
		return "crashed"
	}
	return "unknown"
}

// IsBackendError reports whether err carries a backend status
func IsBackendError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
