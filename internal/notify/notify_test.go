package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"go.uber.org/zap/zaptest"

	"github.com/danpasecinic/inpaintd/internal/types"
)

type funcNotifier func(ctx context.Context, job types.Job, ev types.TaskEvent) error

func (f funcNotifier) Notify(ctx context.Context, job types.Job, ev types.TaskEvent) error {
	return f(ctx, job, ev)
}

func completed(id string) types.TaskEvent {
	return types.TaskCompleted{TaskID: id, Result: "results/" + id + ".png", Timestamp: time.Now()}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("Expected POST, got %s", r.Method)
				}
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("Expected application/json, got %s", ct)
				}
				body, _ := io.ReadAll(r.Body)
				if err := json.Unmarshal(body, &got); err != nil {
					t.Errorf("Failed to decode callback body: %v", err)
				}
				w.WriteHeader(http.StatusNoContent)
			},
		),
	)
	defer server.Close()

	n := NewWebhookNotifier(time.Second, zaptest.NewLogger(t))
	job := types.Job{CallbackURL: server.URL + "/hook"}
	if err := n.Notify(context.Background(), job, completed("task-1")); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if got["type"] != "task_completed" {
		t.Errorf("Expected task_completed, got %v", got["type"])
	}
	if got["task_id"] != "task-1" {
		t.Errorf("Expected task-1, got %v", got["task_id"])
	}
}

func TestWebhookNotifierStatusError(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte("upstream down"))
			},
		),
	)
	defer server.Close()

	n := NewWebhookNotifier(time.Second, zaptest.NewLogger(t))
	err := n.Notify(context.Background(), types.Job{CallbackURL: server.URL}, completed("task-1"))
	if err == nil {
		t.Fatal("Expected an error for a 502 callback")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("Expected the status in the error, got %v", err)
	}
}

func TestWebhookNotifierSkipsWithoutCallback(t *testing.T) {
	n := NewWebhookNotifier(time.Second, zaptest.NewLogger(t))
	if err := n.Notify(context.Background(), types.Job{}, completed("task-1")); err != nil {
		t.Errorf("Expected no error without a callback, got %v", err)
	}
}

func TestKafkaNotifier(t *testing.T) {
	config := mocks.NewTestConfig()
	config.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, config)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(
		func(val []byte) error {
			ev, err := types.UnmarshalEvent(val)
			if err != nil {
				return err
			}
			failed, ok := ev.(types.TaskFailed)
			if !ok || failed.TaskID != "task-2" || failed.ErrorMessage != "out of memory" {
				return errors.New("unexpected event payload")
			}
			return nil
		},
	)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	n := NewKafkaNotifierFromProducer(producer, "inpaint.events", zaptest.NewLogger(t))
	ev := types.TaskFailed{TaskID: "task-2", ErrorMessage: "out of memory", Timestamp: time.Now()}

	if err := n.Notify(context.Background(), types.Job{}, ev); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := n.Notify(context.Background(), types.Job{}, ev); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("Expected ErrOutOfBrokers, got %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	calls := 0
	first := errors.New("webhook down")
	second := errors.New("kafka down")

	m := Multi{
		funcNotifier(
			func(ctx context.Context, job types.Job, ev types.TaskEvent) error {
				calls++
				return first
			},
		),
		nil,
		Nop{},
		funcNotifier(
			func(ctx context.Context, job types.Job, ev types.TaskEvent) error {
				calls++
				return second
			},
		),
	}

	err := m.Notify(context.Background(), types.Job{}, completed("task-1"))
	if calls != 2 {
		t.Errorf("Expected both notifiers to run, got %d calls", calls)
	}
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Errorf("Expected both errors joined, got %v", err)
	}

	if err := (Multi{Nop{}}).Notify(context.Background(), types.Job{}, completed("task-1")); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}
