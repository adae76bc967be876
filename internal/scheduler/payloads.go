package scheduler

import (
	"time"

	"github.com/yourusername/chat-queue/internal/queue"
)

// 定期トリガー名
const (
	TriggerTokenCleanup = "token-cleanup"
	TriggerAnalytics    = "analytics-aggregation"
	TriggerWeeklyBackup = "weekly-backup"
)

// CleanupPayload は cleanup ジョブのペイロードです。
type CleanupPayload struct {
	OlderThanHours int `json:"olderThanHours"`
	BatchSize      int `json:"batchSize"`
}

// TaskPayload は scheduled-tasks キューの汎用ペイロードです。
type TaskPayload struct {
	TaskType string            `json:"taskType"`
	TaskData map[string]string `json:"taskData"`
}

// PayloadFunc は発火時刻からペイロードを組み立てます。副作用を持ってはいけません。
type PayloadFunc func(now time.Time) any

// Definition はトリガーの定義です。
type Definition struct {
	Name     string
	Schedule string
	Queue    queue.Name
	JobType  string
	Build    PayloadFunc
}

// BuildCleanup は期限切れトークン掃除のペイロードです。
func BuildCleanup(time.Time) any {
	return CleanupPayload{OlderThanHours: 24, BatchSize: 1000}
}

// BuildDailyAnalytics は日次集計のペイロードです。日付は UTC です。
func BuildDailyAnalytics(now time.Time) any {
	return TaskPayload{
		TaskType: "report",
		TaskData: map[string]string{
			"type": "daily-analytics",
			"date": now.UTC().Format(time.DateOnly),
		},
	}
}

// BuildWeeklyBackup は週次バックアップのペイロードです。
func BuildWeeklyBackup(now time.Time) any {
	return TaskPayload{
		TaskType: "backup",
		TaskData: map[string]string{
			"type":      "weekly-full",
			"timestamp": now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		},
	}
}

// DefaultDefinitions は標準の3トリガーを返します。
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Name:     TriggerTokenCleanup,
			Schedule: "0 */6 * * *",
			Queue:    queue.TokenCleanup,
			JobType:  "cleanup",
			Build:    BuildCleanup,
		},
		{
			Name:     TriggerAnalytics,
			Schedule: "0 2 * * *",
			Queue:    queue.ScheduledTasks,
			JobType:  "analytics",
			Build:    BuildDailyAnalytics,
		},
		{
			Name:     TriggerWeeklyBackup,
			Schedule: "0 3 * * 0",
			Queue:    queue.ScheduledTasks,
			JobType:  "backup",
			Build:    BuildWeeklyBackup,
		},
	}
}
