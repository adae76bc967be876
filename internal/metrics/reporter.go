// Package metrics はキューの件数と直近ジョブを集計する読み取り専用のレポーターです。
package metrics

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourusername/chat-queue/internal/apperr"
	"github.com/yourusername/chat-queue/internal/queue"
)

const (
	// RecentJobsLimit は状態ごとに返す直近ジョブの最大件数です。
	RecentJobsLimit = 10

	disabledMessage = "Workers are not configured"
	fanOutLimit     = 4
)

// QueueMetrics は1キュー分の件数です。取得に失敗したキューは Error のみを持ちます。
type QueueMetrics struct {
	*queue.Counts
	Total *int   `json:"total,omitempty"`
	Error string `json:"error,omitempty"`
}

// Report は全キューの集計結果です。
type Report struct {
	Enabled   bool                        `json:"enabled"`
	Message   string                      `json:"message,omitempty"`
	Timestamp *time.Time                  `json:"timestamp,omitempty"`
	Queues    map[queue.Name]QueueMetrics `json:"queues,omitempty"`
}

// CountsWithTotal は件数と合計です。
type CountsWithTotal struct {
	queue.Counts
	Total int `json:"total"`
}

// JobSummary は一覧表示用のジョブ要約です。時刻は Unix ミリ秒です。
type JobSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Timestamp    *int64 `json:"timestamp,omitempty"`
	ProcessedOn  *int64 `json:"processedOn,omitempty"`
	FinishedOn   *int64 `json:"finishedOn,omitempty"`
	FailedReason string `json:"failedReason,omitempty"`
}

// RecentJobs は状態別の直近ジョブです。
type RecentJobs struct {
	Waiting []JobSummary `json:"waiting"`
	Active  []JobSummary `json:"active"`
	Failed  []JobSummary `json:"failed"`
}

// Detail は1キューの詳細です。
type Detail struct {
	Enabled    bool             `json:"enabled"`
	Message    string           `json:"message,omitempty"`
	QueueName  queue.Name       `json:"queueName,omitempty"`
	Timestamp  *time.Time       `json:"timestamp,omitempty"`
	Counts     *CountsWithTotal `json:"counts,omitempty"`
	RecentJobs *RecentJobs      `json:"recentJobs,omitempty"`
}

// Reporter はキューの状態を都度問い合わせて集計します。
type Reporter struct {
	registry *queue.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewReporter は Reporter を作成します。
func NewReporter(registry *queue.Registry, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{registry: registry, logger: logger, now: time.Now}
}

// AllMetrics は全キューの件数を返します。1キューの失敗は他のキューに影響しません。
func (r *Reporter) AllMetrics(ctx context.Context) (*Report, error) {
	if !r.registry.AsyncAvailable() {
		return &Report{Enabled: false, Message: disabledMessage}, nil
	}

	names := queue.Names()
	results := make([]QueueMetrics, len(names))

	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for i, name := range names {
		g.Go(func() error {
			results[i] = r.queueMetrics(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queues := make(map[queue.Name]QueueMetrics, len(names))
	for i, name := range names {
		queues[name] = results[i]
	}
	ts := r.now().UTC()
	return &Report{Enabled: true, Timestamp: &ts, Queues: queues}, nil
}

func (r *Reporter) queueMetrics(ctx context.Context, name queue.Name) QueueMetrics {
	counts, err := r.registry.MustQueue(name).Counts(ctx)
	if err != nil {
		r.logger.Error("failed to get queue metrics",
			slog.String("queue", name.String()),
			slog.Any("error", err),
		)
		return QueueMetrics{Error: "Failed to get metrics"}
	}
	total := counts.Total()
	return QueueMetrics{Counts: &counts, Total: &total}
}

// QueueDetail は1キューの件数と直近ジョブを返します。
// キュー名の検証はブローカーへの問い合わせより前に行います。
func (r *Reporter) QueueDetail(ctx context.Context, rawName string) (*Detail, error) {
	name, ok := queue.ParseName(rawName)
	if !ok {
		return nil, apperr.Validation("INVALID_QUEUE", "invalid queue name")
	}
	if !r.registry.AsyncAvailable() {
		return &Detail{Enabled: false, Message: disabledMessage}, nil
	}

	q := r.registry.MustQueue(name)
	var (
		counts                  queue.Counts
		waiting, active, failed []queue.Job
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		counts, err = q.Counts(gctx)
		return err
	})
	g.Go(func() (err error) {
		waiting, err = q.List(gctx, queue.ListWaiting, RecentJobsLimit)
		return err
	})
	g.Go(func() (err error) {
		active, err = q.List(gctx, queue.ListActive, RecentJobsLimit)
		return err
	})
	g.Go(func() (err error) {
		failed, err = q.List(gctx, queue.ListFailed, RecentJobsLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, apperr.Internal("failed to get queue metrics", err)
	}

	ts := r.now().UTC()
	return &Detail{
		Enabled:   true,
		QueueName: name,
		Timestamp: &ts,
		Counts:    &CountsWithTotal{Counts: counts, Total: counts.Total()},
		RecentJobs: &RecentJobs{
			Waiting: summarize(waiting, queue.ListWaiting),
			Active:  summarize(active, queue.ListActive),
			Failed:  summarize(failed, queue.ListFailed),
		},
	}, nil
}

func summarize(jobs []queue.Job, state queue.ListState) []JobSummary {
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		s := JobSummary{ID: j.ID, Name: j.Type}
		switch state {
		case queue.ListWaiting:
			s.Timestamp = unixMilli(j.CreatedAt)
		case queue.ListActive:
			s.Timestamp = unixMilli(j.CreatedAt)
			s.ProcessedOn = unixMilli(j.ProcessedAt)
		case queue.ListFailed:
			s.FailedReason = j.FailedReason
			s.FinishedOn = unixMilli(j.FinishedAt)
		}
		out = append(out, s)
	}
	return out
}

func unixMilli(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
