// Package queue は名前付きキューとブローカー接続のライフサイクルを管理します。
//
// キュー名はプロデューサー（API / スケジューラー）とワーカープロセスで共有する固定の列挙です。
// 両者で食い違うとジョブが誰にも処理されずに残るため、ワーカー側もこのパッケージを参照してください。
package queue

import (
	"fmt"
	"net/url"
	"sort"
)

// Name はキュー名です。
type Name string

const (
	AIProcessing       Name = "ai-processing"
	DocumentProcessing Name = "document-processing"
	WebhookDelivery    Name = "webhook-delivery"
	EmailDelivery      Name = "email-delivery"
	ScheduledTasks     Name = "scheduled-tasks"
	TokenCleanup       Name = "token-cleanup"
)

var knownNames = map[Name]struct{}{
	AIProcessing:       {},
	DocumentProcessing: {},
	WebhookDelivery:    {},
	EmailDelivery:      {},
	ScheduledTasks:     {},
	TokenCleanup:       {},
}

// Names は全キュー名を安定した順序で返します。
func Names() []Name {
	names := make([]Name, 0, len(knownNames))
	for n := range knownNames {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ParseName は文字列を既知のキュー名に変換します。
func ParseName(s string) (Name, bool) {
	n := Name(s)
	if _, ok := knownNames[n]; !ok {
		return "", false
	}
	return n, true
}

// Valid は n が既知のキュー名かどうかを返します。
func (n Name) Valid() bool {
	_, ok := knownNames[n]
	return ok
}

func (n Name) String() string {
	return string(n)
}

// StatusURL はジョブ状態のポーリング先パス（GET /jobs/:queueName/:jobId）を返します。
// チャットとドキュメントの両プロデューサーが受付レスポンスで返します。
func StatusURL(name Name, jobID string) string {
	return fmt.Sprintf("/jobs/%s/%s", name, url.PathEscape(jobID))
}
