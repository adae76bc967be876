package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/chat-queue/internal/apperr"
	"github.com/yourusername/chat-queue/internal/jobs"
	"github.com/yourusername/chat-queue/internal/logger"
	"github.com/yourusername/chat-queue/internal/queue"
	"github.com/yourusername/chat-queue/internal/queue/queuetest"
)

// fakeClock は sleep のたびに時刻を進め、任意のフックを呼びます。
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
	onTick func(n int)
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	if c.onTick != nil {
		c.onTick(len(c.sleeps))
	}
	return nil
}

func newTracker(t *testing.T) (*jobs.Tracker, *queuetest.Broker, *fakeClock) {
	t.Helper()
	broker := queuetest.New()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tracker := jobs.NewTracker(broker.NewRegistry(), logger.Discard(),
		jobs.WithPollInterval(500*time.Millisecond),
		jobs.WithClock(clock.Now, clock.Sleep),
	)
	return tracker, broker, clock
}

func enqueue(t *testing.T, broker *queuetest.Broker, reg *queue.Registry) string {
	t.Helper()
	id, err := reg.MustQueue(queue.AIProcessing).Enqueue(context.Background(), "generate-response", map[string]string{"prompt": "Hello"})
	require.NoError(t, err)
	return id
}

func TestNormalize(t *testing.T) {
	cases := map[string]jobs.Status{
		"pending":     jobs.StatusWaiting,
		"waiting":     jobs.StatusWaiting,
		"active":      jobs.StatusActive,
		"scheduled":   jobs.StatusDelayed,
		"retry":       jobs.StatusDelayed,
		"delayed":     jobs.StatusDelayed,
		"archived":    jobs.StatusFailed,
		"failed":      jobs.StatusFailed,
		"completed":   jobs.StatusCompleted,
		"aggregating": jobs.StatusUnknown,
		"":            jobs.StatusUnknown,
		"paused":      jobs.StatusUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, jobs.Normalize(raw), raw)
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, jobs.StatusCompleted.Terminal())
	assert.True(t, jobs.StatusFailed.Terminal())
	for _, s := range []jobs.Status{jobs.StatusWaiting, jobs.StatusActive, jobs.StatusDelayed, jobs.StatusUnknown} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestParseQueue(t *testing.T) {
	name, err := jobs.ParseQueue("ai-processing")
	require.NoError(t, err)
	assert.Equal(t, queue.AIProcessing, name)

	_, err = jobs.ParseQueue("bogus-queue")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestStatusLifecycle(t *testing.T) {
	tracker, broker, _ := newTracker(t)
	reg := broker.NewRegistry()
	ctx := context.Background()
	id := enqueue(t, broker, reg)

	status, err := tracker.Status(ctx, queue.AIProcessing, id)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, id, status.ID)
	assert.Equal(t, jobs.StatusWaiting, status.Status)
	assert.NotNil(t, status.CreatedAt)
	assert.Nil(t, status.Result)

	broker.SetState(queue.AIProcessing, id, "active")
	status, err = tracker.Status(ctx, queue.AIProcessing, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusActive, status.Status)
	assert.NotNil(t, status.ProcessedAt)

	broker.Complete(queue.AIProcessing, id, map[string]string{"reply": "Hi!"})
	status, err = tracker.Status(ctx, queue.AIProcessing, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, status.Status)
	assert.JSONEq(t, `{"reply":"Hi!"}`, string(status.Result))
	assert.NotNil(t, status.FinishedAt)
	assert.Equal(t, 1, status.AttemptsMade)
	assert.Empty(t, status.Error)
}

func TestStatusIsRepeatableRead(t *testing.T) {
	tracker, broker, _ := newTracker(t)
	ctx := context.Background()
	id := enqueue(t, broker, broker.NewRegistry())

	read := func() *jobs.JobStatus {
		t.Helper()
		status, err := tracker.Status(ctx, queue.AIProcessing, id)
		require.NoError(t, err)
		require.NotNil(t, status)
		return status
	}

	for _, advance := range []func(){
		func() {},
		func() { broker.SetState(queue.AIProcessing, id, "active") },
		func() { broker.Complete(queue.AIProcessing, id, map[string]string{"reply": "Hi!"}) },
	} {
		advance()
		first := read()
		second := read()
		assert.Equal(t, first, second)
		assert.Len(t, broker.Enqueued, 1)
	}
}

func TestStatusFailedCarriesReason(t *testing.T) {
	tracker, broker, _ := newTracker(t)
	id := enqueue(t, broker, broker.NewRegistry())
	broker.Fail(queue.AIProcessing, id, "model quota exceeded")

	status, err := tracker.Status(context.Background(), queue.AIProcessing, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, status.Status)
	assert.Equal(t, "model quota exceeded", status.Error)
	assert.Equal(t, "model quota exceeded", status.FailedReason)
	assert.Nil(t, status.Result)
}

func TestStatusProgressOnlyWhileRunning(t *testing.T) {
	tracker, broker, _ := newTracker(t)
	progress := 40.0
	broker.Put(queue.Job{ID: "p1", Queue: queue.AIProcessing, State: "active", Progress: &progress})

	status, err := tracker.Status(context.Background(), queue.AIProcessing, "p1")
	require.NoError(t, err)
	require.NotNil(t, status.Progress)
	assert.InDelta(t, 40.0, *status.Progress, 0.001)

	broker.Complete(queue.AIProcessing, "p1", "done")
	status, err = tracker.Status(context.Background(), queue.AIProcessing, "p1")
	require.NoError(t, err)
	assert.Nil(t, status.Progress)
	assert.JSONEq(t, `"done"`, string(status.Result))
}

func TestStatusNotFoundAndWrongQueue(t *testing.T) {
	tracker, broker, _ := newTracker(t)
	id := enqueue(t, broker, broker.NewRegistry())

	status, err := tracker.Status(context.Background(), queue.AIProcessing, "999")
	require.NoError(t, err)
	assert.Nil(t, status)

	status, err = tracker.Status(context.Background(), queue.EmailDelivery, id)
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestStatusUnknownQueueIsValidationError(t *testing.T) {
	tracker, broker, _ := newTracker(t)
	_, err := tracker.Status(context.Background(), queue.Name("nope"), "1")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Zero(t, broker.Calls())
}

func TestStatusBrokerFailureIsInternal(t *testing.T) {
	tracker, broker, _ := newTracker(t)
	cause := errors.New("redis: connection refused")
	broker.QueueErrs[queue.AIProcessing] = cause

	_, err := tracker.Status(context.Background(), queue.AIProcessing, "1")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
	assert.ErrorIs(t, err, cause)
}

func TestStatusAsyncDisabled(t *testing.T) {
	tracker := jobs.NewTracker(queue.NewRegistry(nil, logger.Discard()), logger.Discard())
	_, err := tracker.Status(context.Background(), queue.AIProcessing, "1")
	assert.True(t, apperr.IsKind(err, apperr.KindUnavailable))
}

func TestWaitForCompletionReturnsTerminalState(t *testing.T) {
	tracker, broker, clock := newTracker(t)
	id := enqueue(t, broker, broker.NewRegistry())
	clock.onTick = func(n int) {
		switch n {
		case 1:
			broker.SetState(queue.AIProcessing, id, "active")
		case 3:
			broker.Complete(queue.AIProcessing, id, map[string]string{"reply": "ok"})
		}
	}

	status, err := tracker.WaitForCompletion(context.Background(), queue.AIProcessing, id, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, status.Status)
	assert.Len(t, clock.sleeps, 3)
	for _, d := range clock.sleeps {
		assert.Equal(t, 500*time.Millisecond, d)
	}
}

func TestWaitForCompletionFailedIsTerminal(t *testing.T) {
	tracker, broker, clock := newTracker(t)
	id := enqueue(t, broker, broker.NewRegistry())
	clock.onTick = func(int) { broker.Fail(queue.AIProcessing, id, "boom") }

	status, err := tracker.WaitForCompletion(context.Background(), queue.AIProcessing, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, status.Status)
}

func TestWaitForCompletionTimeoutLeavesJobAlone(t *testing.T) {
	tracker, broker, clock := newTracker(t)
	id := enqueue(t, broker, broker.NewRegistry())
	broker.SetState(queue.AIProcessing, id, "active")

	_, err := tracker.WaitForCompletion(context.Background(), queue.AIProcessing, id, 1200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTimeout))
	// 最後の待機は残り時間に切り詰められる
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond, 200 * time.Millisecond}, clock.sleeps)

	status, err := tracker.Status(context.Background(), queue.AIProcessing, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusActive, status.Status)
}

func TestWaitForCompletionZeroTimeoutChecksOnce(t *testing.T) {
	tracker, broker, clock := newTracker(t)
	id := enqueue(t, broker, broker.NewRegistry())

	_, err := tracker.WaitForCompletion(context.Background(), queue.AIProcessing, id, 0)
	assert.True(t, apperr.IsKind(err, apperr.KindTimeout))
	assert.Empty(t, clock.sleeps)

	broker.Complete(queue.AIProcessing, id, "x")
	status, err := tracker.WaitForCompletion(context.Background(), queue.AIProcessing, id, 0)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, status.Status)
}

func TestWaitForCompletionJobDisappears(t *testing.T) {
	tracker, broker, clock := newTracker(t)
	id := enqueue(t, broker, broker.NewRegistry())
	clock.onTick = func(int) { broker.Remove(queue.AIProcessing, id) }

	_, err := tracker.WaitForCompletion(context.Background(), queue.AIProcessing, id, 5*time.Second)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestWaitForCompletionHonoursContext(t *testing.T) {
	tracker, broker, _ := newTracker(t)
	id := enqueue(t, broker, broker.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tracker.WaitForCompletion(ctx, queue.AIProcessing, id, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJobStatusJSONShape(t *testing.T) {
	created := time.UnixMilli(1767323045000).UTC()
	view := jobs.FromJob(&queue.Job{
		ID:           "42",
		State:        "completed",
		Result:       []byte("plain text"),
		AttemptsMade: 1,
		CreatedAt:    created,
	})

	raw, err := json.Marshal(view)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"42","status":"completed","result":"plain text","createdAt":1767323045000,"attemptsMade":1}`, string(raw))
}
