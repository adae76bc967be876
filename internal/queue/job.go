package queue

import (
	"encoding/json"
	"time"
)

// ListState は一覧取得できるジョブ状態です。
type ListState string

const (
	ListWaiting ListState = "waiting"
	ListActive  ListState = "active"
	ListFailed  ListState = "failed"
)

// Envelope はキューに積むペイロードの外枠です。
// ワーカーは Data を各ジョブ種別のペイロードとしてデコードします。
type Envelope struct {
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Data       json.RawMessage `json:"data"`
}

// WorkerReport はワーカーが結果領域に書き込む実行中メタ情報です。
// 実行中は {"progress": 40, "processedAt": 1700000000000} のように書き、完了時に最終結果で上書きします。
// 最終結果にも processedAt を含めれば開始時刻が保たれます。含めない場合、終了済みジョブの
// ProcessedAt は終了時刻（FinishedAt）で補われます。
type WorkerReport struct {
	Progress    *float64 `json:"progress,omitempty"`
	ProcessedAt int64    `json:"processedAt,omitempty"` // Unix ミリ秒
}

// Job はブローカーから読み出したジョブのスナップショットです。
// State はブローカー固有の状態名のままで、正規化は jobs パッケージが行います。
type Job struct {
	ID           string
	Queue        Name
	Type         string
	State        string
	Payload      json.RawMessage
	Result       json.RawMessage
	Progress     *float64
	FailedReason string
	AttemptsMade int
	CreatedAt    time.Time
	ProcessedAt  time.Time
	FinishedAt   time.Time
}

// Counts はキュー内の状態別件数です。
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Total は5分類の合計です。
func (c Counts) Total() int {
	return c.Waiting + c.Active + c.Completed + c.Failed + c.Delayed
}

func decodeEnvelope(raw []byte) (time.Time, json.RawMessage) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.EnqueuedAt.IsZero() {
		return time.Time{}, json.RawMessage(raw)
	}
	return env.EnqueuedAt, env.Data
}

func decodeWorkerReport(raw []byte) WorkerReport {
	var report WorkerReport
	if len(raw) == 0 || raw[0] != '{' {
		return report
	}
	_ = json.Unmarshal(raw, &report)
	return report
}
