package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthzInvalidate is the task type for permission cache invalidation.
	TaskAuthzInvalidate = "authz:invalidate"
)

// InvalidatePayload names the user whose cached permission sets should be
// dropped. A nil user means a global flush.
type InvalidatePayload struct {
	UserID *int64 `json:"user_id"`
}

// NewInvalidateTask constructs an Asynq task.
func NewInvalidateTask(payload InvalidatePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzInvalidate, data), nil
}

// InvalidationCache is the cache surface the worker drives.
type InvalidationCache interface {
	Invalidate(ctx context.Context, userID int64) error
	InvalidateAll(ctx context.Context) error
}

// NewInvalidateHandler processes TaskAuthzInvalidate tasks. Invalidation is
// best-effort relative to the mutation that scheduled it; a failure retries
// through the queue and in the worst case the TTL bounds staleness.
func NewInvalidateHandler(cache InvalidationCache, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload InvalidatePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.UserID != nil {
			if err := cache.Invalidate(ctx, *payload.UserID); err != nil {
				return err
			}
			if logger != nil {
				logger.Info("permission cache invalidated", slog.Int64("user_id", *payload.UserID))
			}
			return nil
		}
		if err := cache.InvalidateAll(ctx); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("permission cache flushed")
		}
		return nil
	}
}
