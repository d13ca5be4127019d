package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/types"
)

// WebhookNotifier posts the terminal event to the job's callback URL.
// Jobs without a callback are skipped.
type WebhookNotifier struct {
	httpClient *http.Client
	logger     *zap.Logger
}

func NewWebhookNotifier(timeout time.Duration, log *zap.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.OrNop(log).With(zap.String("component", "webhook")),
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, job types.Job, ev types.TaskEvent) error {
	if job.CallbackURL == "" {
		return nil
	}

	data, err := types.MarshalEvent(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post callback: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("callback returned status %d: %s", resp.StatusCode, string(body))
	}

	w.logger.Debug(
		"callback delivered",
		zap.String("task_id", ev.EventTaskID()),
		zap.String("type", string(ev.EventType())),
	)
	return nil
}
