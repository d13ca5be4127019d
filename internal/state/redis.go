package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/danpasecinic/inpaintd/internal/types"
)

const (
	taskKeyPrefix    = "inpaintd:task:"
	attemptKeyPrefix = "inpaintd:attempts:"
)

// RedisArchive stores task snapshots and retry attempts in Redis with a TTL.
// Attempts are kept in a list per task.
type RedisArchive struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisArchive creates a Redis-backed archive and verifies the connection
func NewRedisArchive(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisArchive, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisArchive{rdb: rdb, ttl: ttl}, nil
}

// NewRedisArchiveFromClient wraps an existing client
func NewRedisArchiveFromClient(rdb *redis.Client, ttl time.Duration) *RedisArchive {
	return &RedisArchive{rdb: rdb, ttl: ttl}
}

// SaveTask stores or replaces a task snapshot
func (s *RedisArchive) SaveTask(ctx context.Context, task types.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := s.rdb.Set(ctx, taskKey(task.TaskID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask retrieves an archived task by ID
func (s *RedisArchive) GetTask(ctx context.Context, taskID string) (types.Task, error) {
	data, err := s.rdb.Get(ctx, taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to get task: %w", err)
	}

	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return types.Task{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return task, nil
}

// AppendAttempts pushes attempts onto the task's list and refreshes its TTL
func (s *RedisArchive) AppendAttempts(ctx context.Context, taskID string, attempts []types.RetryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(attempts))
	for _, a := range attempts {
		payload, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal retry attempt: %w", err)
		}
		values = append(values, payload)
	}

	key := attemptKey(taskID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append retry attempts: %w", err)
	}
	return nil
}

// ListAttempts returns all stored attempts for a task
func (s *RedisArchive) ListAttempts(ctx context.Context, taskID string) ([]types.RetryAttempt, error) {
	raw, err := s.rdb.LRange(ctx, attemptKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list retry attempts: %w", err)
	}

	attempts := make([]types.RetryAttempt, 0, len(raw))
	for _, item := range raw {
		var a types.RetryAttempt
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal retry attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

// Close closes the Redis client
func (s *RedisArchive) Close() error {
	return s.rdb.Close()
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

func attemptKey(id string) string {
	return attemptKeyPrefix + id
}
