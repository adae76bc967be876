package chat

// JobTypeGenerateResponse は ai-processing キューで AI 応答生成を表すジョブ種別です。
const JobTypeGenerateResponse = "generate-response"

// HistoryMessage はワーカーに渡す過去のやり取りです。
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptContext は生成時に参照する文脈です。
type PromptContext struct {
	PreviousMessages []HistoryMessage `json:"previousMessages"`
	AssessmentID     *int64           `json:"assessmentId,omitempty"`
}

// ModelOptions は生成モデルのパラメータです。
type ModelOptions struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

// GenerateResponsePayload は generate-response ジョブのペイロードです。
// ワーカープロセスと共有するため JSON のキー名は変更しないでください。
type GenerateResponsePayload struct {
	ConversationID int64         `json:"conversationId"`
	UserID         int64         `json:"userId"`
	Prompt         string        `json:"prompt"`
	UserMessageID  int64         `json:"userMessageId"`
	Context        PromptContext `json:"context"`
	Options        ModelOptions  `json:"options"`
}
