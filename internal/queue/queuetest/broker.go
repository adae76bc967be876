// Package queuetest はテスト用のインメモリ Broker を提供します。
package queuetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/yourusername/chat-queue/internal/logger"
	"github.com/yourusername/chat-queue/internal/queue"
)

// Enqueued は投入されたジョブの記録です。
type Enqueued struct {
	Queue   queue.Name
	Type    string
	Payload json.RawMessage
}

// Broker はワーカー不在のインメモリ実装です。
// 状態遷移はテストから SetState / Complete / Fail で外部ワーカーの代わりに行います。
type Broker struct {
	mu    sync.Mutex
	seq   int
	jobs  map[queue.Name]map[string]*queue.Job
	calls int

	Enqueued   []Enqueued
	EnqueueErr error
	// QueueErrs に登録したキューへの参照系呼び出しはそのエラーを返します。
	QueueErrs map[queue.Name]error
	// OnEnqueue は投入直前にロック保持中で呼ばれます（順序検証用）。Broker のメソッドは呼ばないでください。
	OnEnqueue func(name queue.Name, jobType string)
	Closed    int
}

// New は空の Broker を返します。
func New() *Broker {
	return &Broker{
		jobs:      make(map[queue.Name]map[string]*queue.Job),
		QueueErrs: make(map[queue.Name]error),
	}
}

// Calls はブローカーへの呼び出し回数を返します。
func (b *Broker) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *Broker) Enqueue(ctx context.Context, name queue.Name, jobType string, body []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.OnEnqueue != nil {
		b.OnEnqueue(name, jobType)
	}
	if b.EnqueueErr != nil {
		return "", b.EnqueueErr
	}

	var env queue.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("queuetest: invalid envelope: %w", err)
	}

	b.seq++
	id := strconv.Itoa(b.seq)
	b.Enqueued = append(b.Enqueued, Enqueued{Queue: name, Type: jobType, Payload: env.Data})
	b.store(&queue.Job{
		ID:        id,
		Queue:     name,
		Type:      jobType,
		State:     "pending",
		Payload:   env.Data,
		CreatedAt: env.EnqueuedAt,
	})
	return id, nil
}

func (b *Broker) Job(ctx context.Context, name queue.Name, id string) (*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if err := b.QueueErrs[name]; err != nil {
		return nil, err
	}
	job, ok := b.jobs[name][id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (b *Broker) Counts(ctx context.Context, name queue.Name) (queue.Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if err := b.QueueErrs[name]; err != nil {
		return queue.Counts{}, err
	}
	var c queue.Counts
	for _, job := range b.jobs[name] {
		switch job.State {
		case "pending", "aggregating":
			c.Waiting++
		case "active":
			c.Active++
		case "completed":
			c.Completed++
		case "archived":
			c.Failed++
		case "scheduled", "retry":
			c.Delayed++
		}
	}
	return c, nil
}

func (b *Broker) List(ctx context.Context, name queue.Name, state queue.ListState, limit int) ([]queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if err := b.QueueErrs[name]; err != nil {
		return nil, err
	}
	raw := map[queue.ListState]string{
		queue.ListWaiting: "pending",
		queue.ListActive:  "active",
		queue.ListFailed:  "archived",
	}[state]

	var jobs []queue.Job
	for _, job := range b.jobs[name] {
		if job.State == raw {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		a, _ := strconv.Atoi(jobs[i].ID)
		c, _ := strconv.Atoi(jobs[j].ID)
		return a < c
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed++
	return nil
}

// Put はジョブを直接登録します。
func (b *Broker) Put(job queue.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store(&job)
}

// SetState はジョブの状態を書き換えます。
func (b *Broker) SetState(name queue.Name, id, state string) {
	b.mutate(name, id, func(job *queue.Job) {
		job.State = state
		if state == "active" && job.ProcessedAt.IsZero() {
			job.ProcessedAt = time.Now().UTC()
		}
	})
}

// Complete はジョブを完了させ、結果を書き込みます。
func (b *Broker) Complete(name queue.Name, id string, result any) {
	raw, _ := json.Marshal(result)
	b.mutate(name, id, func(job *queue.Job) {
		job.State = "completed"
		job.Result = raw
		job.AttemptsMade++
		job.FinishedAt = time.Now().UTC()
		if job.ProcessedAt.IsZero() {
			job.ProcessedAt = job.FinishedAt
		}
	})
}

// Fail はジョブを失敗（リトライ上限到達）させます。
func (b *Broker) Fail(name queue.Name, id, reason string) {
	b.mutate(name, id, func(job *queue.Job) {
		job.State = "archived"
		job.FailedReason = reason
		job.AttemptsMade++
		job.FinishedAt = time.Now().UTC()
		if job.ProcessedAt.IsZero() {
			job.ProcessedAt = job.FinishedAt
		}
	})
}

// Remove はジョブを削除します（保持期間切れの再現）。
func (b *Broker) Remove(name queue.Name, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs[name], id)
}

func (b *Broker) mutate(name queue.Name, id string, fn func(*queue.Job)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if job, ok := b.jobs[name][id]; ok {
		fn(job)
	}
}

func (b *Broker) store(job *queue.Job) {
	if b.jobs[job.Queue] == nil {
		b.jobs[job.Queue] = make(map[string]*queue.Job)
	}
	b.jobs[job.Queue][job.ID] = job
}

// NewRegistry はこの Broker を使う Registry を返します。
func (b *Broker) NewRegistry() *queue.Registry {
	return queue.NewRegistry(b, logger.Discard())
}
