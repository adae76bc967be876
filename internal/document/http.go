package document

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/chat-queue/internal/apperr"
	"github.com/yourusername/chat-queue/internal/auth"
	"github.com/yourusername/chat-queue/internal/queue"
)

// multipartOverhead はファイル本体以外の multipart 境界やヘッダーに許容するバイト数です。
const multipartOverhead int64 = 1 << 20

// ProcessAsyncHandler は POST /documents/process-async のハンドラーを返します。
// リクエストボディはアップロード上限に multipartOverhead を加えたサイズで打ち切ります。
func ProcessAsyncHandler(p *Processor, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserID(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "USER_REQUIRED",
				"message": "user identification is required",
			})
			return
		}

		if limit := p.MaxBytes(); limit > 0 {
			if c.Request.ContentLength > limit+multipartOverhead {
				respondTooLarge(c, limit)
				return
			}
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
		}

		fh, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondTooLarge(c, p.MaxBytes())
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data で file を送信してください。",
			})
			return
		}
		if limit := p.MaxBytes(); limit > 0 && fh.Size > limit {
			respondTooLarge(c, limit)
			return
		}

		f, err := fh.Open()
		if err != nil {
			apperr.Respond(c, logger, apperr.Internal("failed to open upload", err))
			return
		}
		defer f.Close()

		sub, err := p.Submit(c.Request.Context(), userID, Upload{
			FileName: fh.Filename,
			Size:     fh.Size,
			Body:     f,
		})
		if errors.Is(err, ErrTooLarge) {
			respondTooLarge(c, p.MaxBytes())
			return
		}
		if err != nil {
			apperr.Respond(c, logger, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"status":    "processing",
			"jobId":     sub.JobID,
			"statusUrl": queue.StatusURL(queue.DocumentProcessing, sub.JobID),
			"document":  sub.Document,
		})
	}
}

func respondTooLarge(c *gin.Context, limit int64) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"code":    "PAYLOAD_TOO_LARGE",
		"message": fmt.Sprintf("ファイルサイズの上限は %d バイトです。", limit),
	})
}
