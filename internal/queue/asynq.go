package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/chat-queue/internal/config"
)

// AsynqOptions はジョブ投入時の共通オプションです。
type AsynqOptions struct {
	MaxRetry  int
	Retention time.Duration // 完了ジョブを参照可能にしておく期間
}

// asynqBroker は asynq の Client / Inspector で Broker を実装します。
type asynqBroker struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	opts      AsynqOptions
}

// NewAsynqBroker は1組の Redis 接続設定から Client と Inspector を作成します。
func NewAsynqBroker(conn asynq.RedisConnOpt, opts AsynqOptions) Broker {
	return &asynqBroker{
		client:    asynq.NewClient(conn),
		inspector: asynq.NewInspector(conn),
		opts:      opts,
	}
}

// NewFromConfig は設定から Registry を作成します。
// 非同期モードが無効な場合はブローカーなしの Registry を返します。
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if !cfg.AsyncEnabled() {
		logger.Warn("async mode disabled: set REDIS_HOST or ENABLE_WORKERS=true to enable queues")
		return NewRegistry(nil, logger), nil
	}

	conn, err := RedisConnOpt(cfg)
	if err != nil {
		return nil, err
	}
	broker := NewAsynqBroker(conn, AsynqOptions{
		MaxRetry:  cfg.JobMaxRetry,
		Retention: cfg.JobRetention,
	})
	logger.Info("queue registry initialised",
		slog.String("redis", cfg.RedisAddr()),
		slog.Int("queues", len(knownNames)),
	)
	return NewRegistry(broker, logger), nil
}

// RedisConnOpt は asynq 用の接続設定を返します。QUEUE_REDIS_URL があればそちらを優先します。
func RedisConnOpt(cfg *config.Config) (asynq.RedisConnOpt, error) {
	if cfg.QueueRedisURL != "" {
		opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return opt, nil
	}
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, nil
}

// RedisClientOptions はキューと同じ Redis を go-redis で使うための設定を返します。
func RedisClientOptions(cfg *config.Config) (*redis.Options, error) {
	if cfg.QueueRedisURL != "" {
		return redis.ParseURL(cfg.QueueRedisURL)
	}
	return &redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, nil
}

func (b *asynqBroker) Enqueue(ctx context.Context, queue Name, jobType string, body []byte) (string, error) {
	task := asynq.NewTask(jobType, body)
	opts := []asynq.Option{asynq.Queue(queue.String()), asynq.MaxRetry(b.opts.MaxRetry)}
	if b.opts.Retention > 0 {
		opts = append(opts, asynq.Retention(b.opts.Retention))
	}
	info, err := b.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (b *asynqBroker) Job(ctx context.Context, queue Name, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := b.inspector.GetTaskInfo(queue.String(), id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, nil
		}
		return nil, err
	}
	job := taskToJob(info)
	return &job, nil
}

func (b *asynqBroker) Counts(ctx context.Context, queue Name) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}
	info, err := b.inspector.GetQueueInfo(queue.String())
	if err != nil {
		// まだ一度もジョブが積まれていないキューは存在しない扱いになる
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return Counts{}, nil
		}
		return Counts{}, err
	}
	return Counts{
		Waiting:   info.Pending + info.Aggregating,
		Active:    info.Active,
		Completed: info.Completed,
		Failed:    info.Archived,
		Delayed:   info.Scheduled + info.Retry,
	}, nil
}

func (b *asynqBroker) List(ctx context.Context, queue Name, state ListState, limit int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := []asynq.ListOption{asynq.PageSize(limit), asynq.Page(1)}

	var (
		infos []*asynq.TaskInfo
		err   error
	)
	switch state {
	case ListWaiting:
		infos, err = b.inspector.ListPendingTasks(queue.String(), opts...)
	case ListActive:
		infos, err = b.inspector.ListActiveTasks(queue.String(), opts...)
	case ListFailed:
		infos, err = b.inspector.ListArchivedTasks(queue.String(), opts...)
	default:
		return nil, fmt.Errorf("unsupported list state: %s", state)
	}
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, nil
		}
		return nil, err
	}

	jobs := make([]Job, 0, len(infos))
	for _, info := range infos {
		jobs = append(jobs, taskToJob(info))
	}
	return jobs, nil
}

func (b *asynqBroker) Close() error {
	return errors.Join(b.client.Close(), b.inspector.Close())
}

// taskToJob は asynq の TaskInfo を Job に変換します。
func taskToJob(info *asynq.TaskInfo) Job {
	createdAt, payload := decodeEnvelope(info.Payload)
	report := decodeWorkerReport(info.Result)

	job := Job{
		ID:           info.ID,
		Queue:        Name(info.Queue),
		Type:         info.Type,
		State:        info.State.String(),
		Payload:      payload,
		Result:       info.Result,
		Progress:     report.Progress,
		FailedReason: info.LastErr,
		AttemptsMade: info.Retried,
		CreatedAt:    createdAt,
	}
	if report.ProcessedAt > 0 {
		job.ProcessedAt = time.UnixMilli(report.ProcessedAt).UTC()
	}

	switch info.State {
	case asynq.TaskStateCompleted:
		job.AttemptsMade = info.Retried + 1
		job.FinishedAt = info.CompletedAt
		job.FailedReason = ""
	case asynq.TaskStateArchived:
		job.AttemptsMade = info.Retried + 1
		job.FinishedAt = info.LastFailedAt
	}
	// 最終結果で実行中メタ情報が上書きされた場合
	if job.ProcessedAt.IsZero() && !job.FinishedAt.IsZero() {
		job.ProcessedAt = job.FinishedAt
	}
	return job
}
