package jobs

import (
	"encoding/json"
	"time"

	"github.com/yourusername/chat-queue/internal/queue"
)

// Status はクライアント向けに正規化したジョブ状態です。
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
	StatusUnknown   Status = "unknown"
)

// Terminal は終端状態（以後遷移しない）かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// brokerStates はブローカー固有の状態名から正規化後の状態への対応です。
// asynq の状態名と、正規化後の名前そのもの（他ブローカー互換）の両方を受け付けます。
var brokerStates = map[string]Status{
	"pending":   StatusWaiting,
	"waiting":   StatusWaiting,
	"active":    StatusActive,
	"scheduled": StatusDelayed,
	"retry":     StatusDelayed,
	"delayed":   StatusDelayed,
	"archived":  StatusFailed,
	"failed":    StatusFailed,
	"completed": StatusCompleted,
}

// Normalize はブローカーの状態名を Status に変換します。未知の値は StatusUnknown です。
func Normalize(raw string) Status {
	if s, ok := brokerStates[raw]; ok {
		return s
	}
	return StatusUnknown
}

// JobStatus はジョブの読み取り専用ビューです。問い合わせのたびに再計算し、キャッシュしません。
// 時刻は Unix ミリ秒です。
type JobStatus struct {
	ID           string          `json:"id"`
	Status       Status          `json:"status"`
	Progress     *float64        `json:"progress,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    *int64          `json:"createdAt,omitempty"`
	ProcessedAt  *int64          `json:"processedAt,omitempty"`
	FinishedAt   *int64          `json:"finishedAt,omitempty"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason,omitempty"`
}

// FromJob は Job を JobStatus に射影します。
func FromJob(job *queue.Job) *JobStatus {
	status := Normalize(job.State)
	view := &JobStatus{
		ID:           job.ID,
		Status:       status,
		CreatedAt:    unixMilli(job.CreatedAt),
		ProcessedAt:  unixMilli(job.ProcessedAt),
		FinishedAt:   unixMilli(job.FinishedAt),
		AttemptsMade: job.AttemptsMade,
	}

	switch status {
	case StatusCompleted:
		view.Result = resultJSON(job.Result)
	case StatusFailed:
		view.Error = job.FailedReason
		view.FailedReason = job.FailedReason
	default:
		if job.Progress != nil {
			p := *job.Progress
			view.Progress = &p
		}
	}
	return view
}

func unixMilli(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// resultJSON はワーカーが書いた結果をJSONとして返します。JSONでなければ文字列として包みます。
func resultJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return quoted
}
