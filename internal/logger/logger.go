// Package logger は slog ベースのロガーを構築します。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config はロガーの設定です。
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // console, json
	AddSource bool
}

// New は設定に従って stdout に出力するロガーを返します。
func New(cfg Config) *slog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter は出力先を指定してロガーを返します。
func NewWithWriter(cfg Config, w io.Writer) *slog.Logger {
	level := ParseLevel(cfg.Level)

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.AddSource,
		})
	default:
		// コンソールは tint で色付き出力
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.RFC3339,
		})
	}
	return slog.New(handler)
}

// Discard はテスト用に何も出力しないロガーを返します。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel は文字列を slog.Level に変換します。未知の値は info 扱いです。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
