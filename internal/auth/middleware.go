package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/chat-queue/internal/store"
)

// RequireLogin はセッションを検証するミドルウェアを返します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		userID := readInt64(session.Get(sessionKeyUserID))
		if userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}

		now := m.now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		if issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime {
			session.Clear()
			_ = session.Save()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "SESSION_EXPIRED",
				"message": "セッションの有効期限が切れました",
			})
			return
		}

		if lastActive.IsZero() || now.Sub(lastActive) > idleTimeout {
			session.Clear()
			_ = session.Save()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "SESSION_IDLE_TIMEOUT",
				"message": "しばらく操作がなかったため再ログインしてください",
			})
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		_ = session.Save()

		admin, _ := session.Get(sessionKeyAdmin).(bool)
		c.Set(ContextUserIDKey, userID)
		c.Set(ContextAdminKey, admin)
		c.Next()
	}
}

// RequireAdmin は管理者以外を 403 で拒否します。RequireLogin の後に置いてください。
// セッションの管理者フラグに加えて、現在のユーザー情報で権限を確認し直します。
func (m *Manager) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ContextAdminKey) {
			abortForbidden(c)
			return
		}

		userID, _ := UserID(c)
		user, err := m.users.UserByID(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, store.ErrUserNotFound) {
			m.logger.Error("admin lookup failed", slog.Int64("user_id", userID), slog.Any("error", err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ユーザー情報の取得に失敗しました",
			})
			return
		}
		if user == nil || !user.IsAdmin {
			c.Set(ContextAdminKey, false)
			abortForbidden(c)
			return
		}
		c.Next()
	}
}

func abortForbidden(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"code":    "FORBIDDEN",
		"message": "管理者権限が必要です",
	})
}

// VerifyCSRF は X-CSRF-Token ヘッダーを検証するミドルウェアです。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF トークンが設定されていません",
			})
			return
		}

		received := c.GetHeader(csrfHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
			})
			return
		}

		c.Next()
	}
}
