// Package auth はセッション認証・認可機能を提供します。
package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/chat-queue/internal/store"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は /auth/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "email と password を JSON で送ってください",
		})
		return
	}

	if err := m.ensureConfigured(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": err.Error(),
		})
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.checkLock(ip); retryAfter > 0 {
		// Retry-After は秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください",
		})
		return
	}

	user, err := m.users.UserByEmail(c.Request.Context(), req.Email)
	if err != nil && !errors.Is(err, store.ErrUserNotFound) {
		m.logger.Error("user lookup failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "ユーザー情報の取得に失敗しました",
		})
		return
	}

	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		remaining := m.recordFailure(ip)
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "メールアドレスまたはパスワードが正しくありません",
			"remainingAttempts": remaining,
		})
		return
	}

	m.resetAttempts(ip)

	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "CSRF トークンの生成に失敗しました",
		})
		return
	}

	session := sessions.Default(c)
	now := m.now()
	session.Set(sessionKeyUserID, user.ID)
	session.Set(sessionKeyAdmin, user.IsAdmin)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)

	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました",
		})
		return
	}

	m.logger.Info("user logged in", slog.Int64("user_id", user.ID), slog.Bool("admin", user.IsAdmin))
	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は /auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの削除に失敗しました",
		})
		return
	}
	c.Status(http.StatusNoContent)
}
