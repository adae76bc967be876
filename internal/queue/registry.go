package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAsyncDisabled はブローカー設定がないときに返ります。
	ErrAsyncDisabled = errors.New("queue: async mode is not configured")
	// ErrClosed は Close 後の呼び出しで返ります。
	ErrClosed = errors.New("queue: registry is closed")
	// ErrUnknownQueue は列挙外のキュー名で返ります。
	ErrUnknownQueue = errors.New("queue: unknown queue name")
)

// Broker はキューエンジンへの最小限の操作です。
type Broker interface {
	Enqueue(ctx context.Context, queue Name, jobType string, body []byte) (string, error)
	// Job は見つからない場合 (nil, nil) を返します。
	Job(ctx context.Context, queue Name, id string) (*Job, error)
	Counts(ctx context.Context, queue Name) (Counts, error)
	List(ctx context.Context, queue Name, state ListState, limit int) ([]Job, error)
	Close() error
}

// Registry は固定のキュー集合とブローカー接続を保持します。
// 起動時に一度だけ作成し、必要なコンポーネントへ明示的に渡します。
type Registry struct {
	broker Broker
	logger *slog.Logger
	queues map[Name]*Queue
	now    func() time.Time

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewRegistry は Registry を作成します。broker が nil の場合は非同期モード無効として扱います。
func NewRegistry(broker Broker, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		broker: broker,
		logger: logger,
		queues: make(map[Name]*Queue, len(knownNames)),
		now:    time.Now,
	}
	for name := range knownNames {
		r.queues[name] = &Queue{name: name, registry: r}
	}
	return r
}

// AsyncAvailable は非同期モードが利用可能かどうかを返します。
func (r *Registry) AsyncAvailable() bool {
	return r != nil && r.broker != nil && !r.closed.Load()
}

// Queue は名前に対応するキューハンドルを返します。
func (r *Registry) Queue(name Name) (*Queue, error) {
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return q, nil
}

// MustQueue は既知の定数名からハンドルを取得します。列挙外なら panic します。
func (r *Registry) MustQueue(name Name) *Queue {
	q, err := r.Queue(name)
	if err != nil {
		panic(err)
	}
	return q
}

// Close は全キューの接続を閉じます。プロセス終了時に一度だけ呼んでください。
// 投入中の処理が残っていないことは呼び出し側が保証します。
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.broker == nil {
			return
		}
		r.closeErr = r.broker.Close()
		if r.closeErr != nil {
			r.logger.Error("failed to close queue connections", slog.Any("error", r.closeErr))
			return
		}
		r.logger.Info("queue connections closed", slog.Int("queues", len(r.queues)))
	})
	return r.closeErr
}

func (r *Registry) ready() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.broker == nil {
		return ErrAsyncDisabled
	}
	return nil
}

// Queue は単一キューに対するハンドルです。
type Queue struct {
	name     Name
	registry *Registry
}

// Name はキュー名を返します。
func (q *Queue) Name() Name {
	return q.name
}

// Enqueue は payload を JSON 化してジョブを投入し、ブローカーが採番したIDを返します。
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	if err := q.registry.ready(); err != nil {
		return "", err
	}
	if jobType == "" {
		return "", fmt.Errorf("jobType is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	body, err := json.Marshal(Envelope{
		EnqueuedAt: q.registry.now().UTC(),
		Data:       data,
	})
	if err != nil {
		return "", err
	}

	id, err := q.registry.broker.Enqueue(ctx, q.name, jobType, body)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s on %s: %w", jobType, q.name, err)
	}
	q.registry.logger.Debug("job enqueued",
		slog.String("queue", q.name.String()),
		slog.String("type", jobType),
		slog.String("job_id", id),
	)
	return id, nil
}

// Job はIDでジョブを取得します。存在しなければ (nil, nil) です。
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	if err := q.registry.ready(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	return q.registry.broker.Job(ctx, q.name, id)
}

// Counts は状態別件数を取得します。
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	if err := q.registry.ready(); err != nil {
		return Counts{}, err
	}
	return q.registry.broker.Counts(ctx, q.name)
}

// List は指定状態のジョブを最大 limit 件取得します。
func (q *Queue) List(ctx context.Context, state ListState, limit int) ([]Job, error) {
	if err := q.registry.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	return q.registry.broker.List(ctx, q.name, state, limit)
}
