package main

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/chat-queue/internal/apperr"
	"github.com/yourusername/chat-queue/internal/jobs"
)

// jobStatusHandler は GET /jobs/:queueName/:jobId のハンドラーを返します。
func jobStatusHandler(tracker *jobs.Tracker, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, err := jobs.ParseQueue(c.Param("queueName"))
		if err != nil {
			apperr.Respond(c, logger, err)
			return
		}

		jobID := strings.TrimSpace(c.Param("jobId"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		status, err := tracker.Status(c.Request.Context(), name, jobID)
		if err != nil {
			apperr.Respond(c, logger, err)
			return
		}
		if status == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		c.JSON(http.StatusOK, status)
	}
}
