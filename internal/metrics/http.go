package metrics

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/chat-queue/internal/apperr"
)

// AllHandler は GET /admin/queue-metrics のハンドラーを返します。
func AllHandler(r *Reporter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := r.AllMetrics(c.Request.Context())
		if err != nil {
			apperr.Respond(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// DetailHandler は GET /admin/queue-metrics/:queueName のハンドラーを返します。
func DetailHandler(r *Reporter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := r.QueueDetail(c.Request.Context(), c.Param("queueName"))
		if err != nil {
			apperr.Respond(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, detail)
	}
}
