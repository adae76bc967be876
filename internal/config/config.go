// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port               string // APIサーバーのポート番号
	GinMode            string // Ginの実行モード (debug, release, test)
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）
	SessionSecret      string // セッション署名用の秘密鍵

	// ブローカー（Redis）設定
	RedisHost     string // Redisホスト（設定されていれば非同期モード有効）
	RedisPort     int    // Redisポート
	RedisPassword string // Redisパスワード（ログには出さない）
	RedisDB       int    // Redis DB番号
	QueueRedisURL string // 接続URL（ホスト指定より優先）
	EnableWorkers bool   // 明示的な非同期モード有効化フラグ

	// ジョブ設定
	JobMaxRetry           int           // ワーカー側の最大リトライ回数
	JobRetention          time.Duration // 完了ジョブをポーリング可能な状態で保持する期間
	JobPollInterval       time.Duration // WaitForCompletion のポーリング間隔
	JobPollLimitPerMinute int           // ステータス取得の1分あたり上限（0で無効）

	// AI呼び出しオプション（ワーカーにそのまま渡す）
	AIModel       string
	AITemperature float64
	AIMaxTokens   int

	// データベース設定
	DatabaseURL string

	// スケジューラー設定
	SchedulerTimezone string // cronのタイムゾーン
	SchedulerConfig   string // トリガー上書き用YAMLファイルのパス

	// アップロード設定
	UploadDir      string
	MaxUploadBytes int64

	// ログ設定
	LogLevel  string // debug, info, warn, error
	LogFormat string // console, json

	// トレース設定
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:               getEnv("PORT", "8080"),
		GinMode:            getEnv("GIN_MODE", "debug"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		SessionSecret:      getEnv("SESSION_SECRET", ""),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnvAsInt("REDIS_PORT", 6379),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		QueueRedisURL: getEnv("QUEUE_REDIS_URL", ""),
		EnableWorkers: getEnvAsBool("ENABLE_WORKERS", false),

		JobMaxRetry:           getEnvAsInt("JOB_MAX_RETRY", 3),
		JobRetention:          time.Duration(getEnvAsInt("JOB_RETENTION_HOURS", 24)) * time.Hour,
		JobPollInterval:       time.Duration(getEnvAsInt("JOB_POLL_INTERVAL_MS", 500)) * time.Millisecond,
		JobPollLimitPerMinute: getEnvAsInt("JOB_POLL_LIMIT_PER_MINUTE", 120),

		AIModel:       getEnv("AI_MODEL", "gemini-2.0-flash"),
		AITemperature: getEnvAsFloat("AI_TEMPERATURE", 0.7),
		AIMaxTokens:   getEnvAsInt("AI_MAX_TOKENS", 1024),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		SchedulerTimezone: getEnv("SCHEDULER_TIMEZONE", "America/New_York"),
		SchedulerConfig:   getEnv("SCHEDULER_CONFIG", ""),

		UploadDir:      getEnv("UPLOAD_DIR", filepath.Join(os.TempDir(), "chat-queue", "uploads")),
		MaxUploadBytes: getEnvAsInt64("MAX_UPLOAD_BYTES", 20*1024*1024), // 20MB

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// AsyncEnabled はブローカー設定が与えられているかを返します。
// REDIS_HOST / QUEUE_REDIS_URL のいずれか、または ENABLE_WORKERS=true が必要です。
func (c *Config) AsyncEnabled() bool {
	return c.RedisHost != "" || c.QueueRedisURL != "" || c.EnableWorkers
}

// RedisAddr は host:port 形式のアドレスを返します。
func (c *Config) RedisAddr() string {
	host := c.RedisHost
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.RedisPort))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.JobMaxRetry < 0 {
		return fmt.Errorf("JOB_MAX_RETRY must be >= 0")
	}
	if c.JobPollInterval <= 0 {
		return fmt.Errorf("JOB_POLL_INTERVAL_MS must be > 0")
	}
	if c.AIMaxTokens <= 0 {
		return fmt.Errorf("AI_MAX_TOKENS must be > 0")
	}
	if _, err := time.LoadLocation(c.SchedulerTimezone); err != nil {
		return fmt.Errorf("invalid SCHEDULER_TIMEZONE %q: %w", c.SchedulerTimezone, err)
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in release mode")
		}
	}

	return nil
}

// String はパスワードを伏せた設定の要約を返します。
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "port=%s mode=%s async=%t", c.Port, c.GinMode, c.AsyncEnabled())
	if c.AsyncEnabled() {
		fmt.Fprintf(&b, " redis=%s db=%d", c.RedisAddr(), c.RedisDB)
		if c.RedisPassword != "" {
			b.WriteString(" password=***")
		}
	}
	return b.String()
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は "true" のときのみ true を返します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	return strings.EqualFold(valueStr, "true")
}
