package chat

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/chat-queue/internal/apperr"
	"github.com/yourusername/chat-queue/internal/auth"
	"github.com/yourusername/chat-queue/internal/queue"
)

type sendAsyncRequest struct {
	Message        string `json:"message"`
	ConversationID *int64 `json:"conversationId"`
	AssessmentID   *int64 `json:"assessmentId"`
	// 旧クライアントは assessment_id で送ってくる
	LegacyAssessmentID *int64 `json:"assessment_id"`
}

// SendAsyncHandler は POST /chat/send-async のハンドラーを返します。
func SendAsyncHandler(flow *Flow, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendAsyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "message を JSON で送ってください。",
			})
			return
		}

		userID, ok := auth.UserID(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "USER_REQUIRED",
				"message": "user identification is required",
			})
			return
		}

		assessmentID := req.AssessmentID
		if assessmentID == nil {
			assessmentID = req.LegacyAssessmentID
		}

		result, err := flow.EnqueueChatTurn(c.Request.Context(), userID, req.Message, req.ConversationID, assessmentID)
		if err != nil {
			apperr.Respond(c, logger, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"status":         result.Status,
			"jobId":          result.JobID,
			"conversationId": result.ConversationID,
			"userMessage":    result.UserMessage,
			"message":        "AI response is being generated in the background",
			"statusUrl":      queue.StatusURL(queue.AIProcessing, result.JobID),
		})
	}
}
