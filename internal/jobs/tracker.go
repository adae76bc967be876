// Package jobs はジョブ状態の取得と正規化を提供します。状態は一切変更しません。
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourusername/chat-queue/internal/apperr"
	"github.com/yourusername/chat-queue/internal/queue"
)

// DefaultPollInterval は WaitForCompletion の既定ポーリング間隔です。
const DefaultPollInterval = 500 * time.Millisecond

// Tracker はキューからジョブを引き、JobStatus に正規化します。
type Tracker struct {
	registry *queue.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	interval time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option は Tracker の設定を変更します。
type Option func(*Tracker)

// WithPollInterval はポーリング間隔を設定します。
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithClock は時刻取得と待機をテスト用に差し替えます。
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Tracker) {
		t.now = now
		t.sleep = sleep
	}
}

// NewTracker は Tracker を作成します。
func NewTracker(registry *queue.Registry, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		registry: registry,
		logger:   logger,
		tracer:   otel.Tracer("github.com/yourusername/chat-queue/internal/jobs"),
		interval: DefaultPollInterval,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ParseQueue はパスパラメータのキュー名を検証します。ブローカーには問い合わせません。
func ParseQueue(raw string) (queue.Name, error) {
	name, ok := queue.ParseName(raw)
	if !ok {
		return "", apperr.Validation("INVALID_QUEUE", "invalid queue name")
	}
	return name, nil
}

// Status はジョブの現在状態を返します。見つからない場合は (nil, nil) です。
func (t *Tracker) Status(ctx context.Context, name queue.Name, jobID string) (*JobStatus, error) {
	ctx, span := t.tracer.Start(ctx, "jobs.Status", trace.WithAttributes(
		attribute.String("queue", name.String()),
		attribute.String("job.id", jobID),
	))
	defer span.End()

	q, err := t.registry.Queue(name)
	if err != nil {
		return nil, apperr.Validation("INVALID_QUEUE", "invalid queue name")
	}

	job, err := q.Job(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job lookup failed")
		return nil, translate(err, "failed to get job status")
	}
	if job == nil {
		return nil, nil
	}

	view := FromJob(job)
	span.SetAttributes(attribute.String("job.status", string(view.Status)))
	if view.Status == StatusUnknown {
		t.logger.Warn("unrecognised broker job state",
			slog.String("queue", name.String()),
			slog.String("job_id", jobID),
			slog.String("state", job.State),
		)
	}
	return view, nil
}

// WaitForCompletion は終端状態になるまでポーリングします。
// 期限切れは呼び出し側の待機を打ち切るだけで、ジョブ自体は取り消しません。
// timeout <= 0 の場合は一度だけ確認します。
func (t *Tracker) WaitForCompletion(ctx context.Context, name queue.Name, jobID string, timeout time.Duration) (*JobStatus, error) {
	deadline := t.now().Add(timeout)

	for {
		status, err := t.Status(ctx, name, jobID)
		if err != nil {
			return nil, err
		}
		if status == nil {
			return nil, apperr.NotFound("JOB_NOT_FOUND", "job not found")
		}
		if status.Status.Terminal() {
			return status, nil
		}

		remaining := deadline.Sub(t.now())
		if remaining <= 0 {
			return nil, apperr.Timeout("JOB_TIMEOUT", "job did not finish before the deadline")
		}
		wait := t.interval
		if remaining < wait {
			wait = remaining
		}
		if err := t.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func translate(err error, message string) error {
	switch {
	case errors.Is(err, queue.ErrAsyncDisabled), errors.Is(err, queue.ErrClosed):
		return apperr.Unavailable("ASYNC_DISABLED", "background workers are not configured")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperr.Internal(message, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
