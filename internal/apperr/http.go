package apperr

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HTTPStatus は分類に対応するHTTPステータスを返します。
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Respond は err を {"code","message"} 形式のJSONで返します。
// 内部原因はログにのみ出力し、レスポンスには含めません。
func Respond(c *gin.Context, logger *slog.Logger, err error) {
	var appErr *Error
	switch {
	case errors.As(err, &appErr) && appErr.Kind != KindInternal:
		c.JSON(HTTPStatus(appErr.Kind), gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "request was canceled",
		})
	default:
		if logger != nil {
			logger.Error("request failed",
				slog.String("path", c.FullPath()),
				slog.Any("error", err),
			)
		}
		message := "internal server error"
		if appErr != nil && appErr.Message != "" {
			message = appErr.Message
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": message,
		})
	}
}
