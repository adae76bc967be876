package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/chat-queue/internal/logger"
	"github.com/yourusername/chat-queue/internal/queue"
	"github.com/yourusername/chat-queue/internal/queue/queuetest"
)

func TestParseName(t *testing.T) {
	for _, name := range queue.Names() {
		got, ok := queue.ParseName(string(name))
		assert.True(t, ok, name)
		assert.Equal(t, name, got)
	}

	_, ok := queue.ParseName("bogus-queue")
	assert.False(t, ok)
	_, ok = queue.ParseName("")
	assert.False(t, ok)
}

func TestNamesIsFixedAndSorted(t *testing.T) {
	names := queue.Names()
	require.Len(t, names, 6)
	asStrings := make([]string, len(names))
	for i, n := range names {
		asStrings[i] = n.String()
	}
	assert.IsIncreasing(t, asStrings)
	assert.Contains(t, names, queue.AIProcessing)
	assert.Contains(t, names, queue.TokenCleanup)
}

func TestStatusURL(t *testing.T) {
	assert.Equal(t, "/jobs/ai-processing/42", queue.StatusURL(queue.AIProcessing, "42"))
	assert.Equal(t, "/jobs/document-processing/a%2Fb", queue.StatusURL(queue.DocumentProcessing, "a/b"))
}

func TestDisabledRegistry(t *testing.T) {
	reg := queue.NewRegistry(nil, logger.Discard())
	assert.False(t, reg.AsyncAvailable())

	q := reg.MustQueue(queue.AIProcessing)
	_, err := q.Enqueue(context.Background(), "generate-response", map[string]string{})
	assert.ErrorIs(t, err, queue.ErrAsyncDisabled)

	_, err = q.Counts(context.Background())
	assert.ErrorIs(t, err, queue.ErrAsyncDisabled)

	assert.NoError(t, reg.Close())
}

func TestUnknownQueue(t *testing.T) {
	reg := queuetest.New().NewRegistry()
	_, err := reg.Queue(queue.Name("nope"))
	assert.ErrorIs(t, err, queue.ErrUnknownQueue)
	assert.Panics(t, func() { reg.MustQueue("nope") })
}

func TestEnqueueWrapsPayloadInEnvelope(t *testing.T) {
	broker := queuetest.New()
	reg := broker.NewRegistry()
	ctx := context.Background()

	id, err := reg.MustQueue(queue.TokenCleanup).Enqueue(ctx, "cleanup", map[string]int{"batchSize": 1000})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, broker.Enqueued, 1)
	assert.Equal(t, queue.TokenCleanup, broker.Enqueued[0].Queue)
	assert.Equal(t, "cleanup", broker.Enqueued[0].Type)
	assert.JSONEq(t, `{"batchSize":1000}`, string(broker.Enqueued[0].Payload))

	job, err := reg.MustQueue(queue.TokenCleanup).Job(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "pending", job.State)
	assert.False(t, job.CreatedAt.IsZero())

	// 別キューからは見えない
	other, err := reg.MustQueue(queue.AIProcessing).Job(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestEnqueueRejectsEmptyTypeAndUnencodablePayload(t *testing.T) {
	reg := queuetest.New().NewRegistry()
	q := reg.MustQueue(queue.ScheduledTasks)

	_, err := q.Enqueue(context.Background(), "", nil)
	assert.Error(t, err)

	_, err = q.Enqueue(context.Background(), "analytics", map[string]any{"ch": make(chan int)})
	var jsonErr *json.UnsupportedTypeError
	assert.ErrorAs(t, err, &jsonErr)
}

func TestEnqueuePropagatesBrokerError(t *testing.T) {
	broker := queuetest.New()
	broker.EnqueueErr = errors.New("connection refused")
	reg := broker.NewRegistry()

	_, err := reg.MustQueue(queue.AIProcessing).Enqueue(context.Background(), "generate-response", struct{}{})
	assert.ErrorIs(t, err, broker.EnqueueErr)
}

func TestCloseIsIdempotent(t *testing.T) {
	broker := queuetest.New()
	reg := broker.NewRegistry()
	require.True(t, reg.AsyncAvailable())

	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())
	assert.Equal(t, 1, broker.Closed)
	assert.False(t, reg.AsyncAvailable())

	_, err := reg.MustQueue(queue.AIProcessing).Job(context.Background(), "1")
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestCountsTotal(t *testing.T) {
	c := queue.Counts{Waiting: 1, Active: 2, Completed: 3, Failed: 4, Delayed: 5}
	assert.Equal(t, 15, c.Total())
}
