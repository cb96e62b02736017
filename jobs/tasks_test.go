package jobs

import (
	"context"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCache struct {
	invalidated []int64
	flushed     bool
	err         error
}

func (c *recordingCache) Invalidate(_ context.Context, userID int64) error {
	if c.err != nil {
		return c.err
	}
	c.invalidated = append(c.invalidated, userID)
	return nil
}

func (c *recordingCache) InvalidateAll(context.Context) error {
	if c.err != nil {
		return c.err
	}
	c.flushed = true
	return nil
}

func TestInvalidateHandlerSingleUser(t *testing.T) {
	userID := int64(7)
	task, err := NewInvalidateTask(InvalidatePayload{UserID: &userID})
	require.NoError(t, err)
	assert.Equal(t, TaskAuthzInvalidate, task.Type())

	cache := &recordingCache{}
	handler := NewInvalidateHandler(cache, nil)

	require.NoError(t, handler(context.Background(), task))
	assert.Equal(t, []int64{7}, cache.invalidated)
	assert.False(t, cache.flushed)
}

func TestInvalidateHandlerGlobalFlush(t *testing.T) {
	task, err := NewInvalidateTask(InvalidatePayload{})
	require.NoError(t, err)

	cache := &recordingCache{}
	handler := NewInvalidateHandler(cache, nil)

	require.NoError(t, handler(context.Background(), task))
	assert.True(t, cache.flushed)
	assert.Empty(t, cache.invalidated)
}

func TestInvalidateHandlerCorruptPayloadSkipsRetry(t *testing.T) {
	handler := NewInvalidateHandler(&recordingCache{}, nil)

	err := handler(context.Background(), asynq.NewTask(TaskAuthzInvalidate, []byte("not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry, "a payload that will never parse must not retry forever")
}
