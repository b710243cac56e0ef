package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// 許可オリジンのデフォルト値。本番サイトとローカル開発用のフロントエンド。
var defaultAllowedOrigins = []string{
	"https://advogandoparaenfermagem.blog.br",
	"https://www.advogandoparaenfermagem.blog.br",
	"http://localhost:5173",
	"http://localhost:5174",
	"http://localhost:8080",
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Redis（任意）。設定されている場合はレート制限ストアとクリーンアップのロックに使用する。
	RedisURL string

	// CORS / オリジン許可リスト
	AllowedOrigins []string

	// Rate Limit
	RateLimitMax              int
	RateLimitWindow           time.Duration
	RateLimitBackend          string // "postgres" または "redis"
	RateLimitCountAllAttempts bool
	RateLimitRetentionWindows int
	CleanupInterval           time.Duration

	// 外部呼び出し（DB、メール送信）ごとのタイムアウト
	ExternalCallTimeout time.Duration

	// Email
	EmailProvider      string // "resend" または "ses"
	ResendAPIKey       string
	ResendAPIURL       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSRegion          string
	MailFrom           string
	OperatorEmails     []string

	// Site
	SiteURL     string
	WhatsAppURL string

	// Broadcast
	BroadcastAPIKey      string
	BroadcastConcurrency int

	// Announcer
	BlogFeedURL      string
	AnnounceInterval time.Duration
	AnnounceMaxAge   time.Duration
	FeedTimeout      time.Duration
	FeedMaxSize      int64

	// Contact
	ContactRatePerMinute int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値の組み合わせが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", defaultAllowedOrigins)
	cfg.RateLimitMax = getEnvInt("RATE_LIMIT_MAX", 3)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", time.Hour)
	cfg.RateLimitBackend = strings.ToLower(getEnvString("RATE_LIMIT_BACKEND", "postgres"))
	cfg.RateLimitCountAllAttempts = getEnvBool("RATE_LIMIT_COUNT_ALL_ATTEMPTS", false)
	cfg.RateLimitRetentionWindows = getEnvInt("RATE_LIMIT_RETENTION_WINDOWS", 24)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.ExternalCallTimeout = getEnvDuration("EXTERNAL_CALL_TIMEOUT", 5*time.Second)
	cfg.EmailProvider = strings.ToLower(getEnvString("EMAIL_PROVIDER", "resend"))
	cfg.ResendAPIKey = getEnvString("RESEND_API_KEY", "")
	cfg.ResendAPIURL = getEnvString("RESEND_API_URL", "https://api.resend.com/emails")
	cfg.AWSAccessKeyID = getEnvString("AWS_ACCESS_KEY_ID", "")
	cfg.AWSSecretAccessKey = getEnvString("AWS_SECRET_ACCESS_KEY", "")
	cfg.AWSRegion = getEnvString("AWS_REGION", "us-east-1")
	cfg.MailFrom = getEnvString("MAIL_FROM", "Advogando para Enfermagem <contato@advogandoparaenfermagem.blog.br>")
	cfg.OperatorEmails = getEnvList("OPERATOR_EMAILS", []string{"mateus@advogandoparaenfermagem.blog.br"})
	cfg.SiteURL = strings.TrimRight(getEnvString("SITE_URL", "https://advogandoparaenfermagem.blog.br"), "/")
	cfg.WhatsAppURL = getEnvString("WHATSAPP_URL", "https://wa.me/5565981579393")
	cfg.BroadcastAPIKey = getEnvString("BROADCAST_API_KEY", "")
	cfg.BroadcastConcurrency = getEnvInt("BROADCAST_CONCURRENCY", 5)
	cfg.BlogFeedURL = getEnvString("BLOG_FEED_URL", "")
	cfg.AnnounceInterval = getEnvDuration("ANNOUNCE_INTERVAL", 15*time.Minute)
	cfg.AnnounceMaxAge = getEnvDuration("ANNOUNCE_MAX_AGE", 72*time.Hour)
	cfg.FeedTimeout = getEnvDuration("FEED_TIMEOUT", 10*time.Second)
	cfg.FeedMaxSize = getEnvInt64("FEED_MAX_SIZE", 5242880)
	cfg.ContactRatePerMinute = getEnvInt("CONTACT_RATE_PER_MINUTE", 5)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate は値の組み合わせを検証する。
func (c *Config) validate() error {
	switch c.RateLimitBackend {
	case "postgres":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("RATE_LIMIT_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_BACKEND: %q", c.RateLimitBackend)
	}

	switch c.EmailProvider {
	case "resend", "ses":
	default:
		return fmt.Errorf("unsupported EMAIL_PROVIDER: %q", c.EmailProvider)
	}

	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive: %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive: %v", c.RateLimitWindow)
	}
	return nil
}

// EmailEnabled はメール送信の資格情報が設定されているかを返す。
// 未設定の場合、通知メールは送信されない。
func (c *Config) EmailEnabled() bool {
	switch c.EmailProvider {
	case "ses":
		return c.AWSAccessKeyID != "" && c.AWSSecretAccessKey != ""
	default:
		return c.ResendAPIKey != ""
	}
}

// RateLimitRetention はレート制限レコードの保持期間を返す。
func (c *Config) RateLimitRetention() time.Duration {
	windows := c.RateLimitRetentionWindows
	if windows < 1 {
		windows = 1
	}
	return c.RateLimitWindow * time.Duration(windows)
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りの環境変数を読み込む。空要素は無視する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return append([]string(nil), defaultVal...)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
