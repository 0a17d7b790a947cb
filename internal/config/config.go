package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	Env      string
	// Debug 仅在 development 环境下生效，控制错误响应里的 debug 诊断块。
	Debug  bool
	AppURL string

	DBDriver string
	DBDSN    string
	SeedDemo bool

	// RedisAddr 为空时禁用限流、幂等键与支付锁，DB 校验仍然生效。
	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）与 Topic；为空时 outbox 事件只落库不转发。
	KafkaBrokers []string
	KafkaTopic   string
	OutboxPoll   time.Duration

	JWTSecret  string
	AdminToken string

	// Xendit 发票接口
	XenditBaseURL      string
	XenditSecretKey    string
	XenditWebhookToken string
	PaymentCurrency    string
	InvoiceDuration    time.Duration
	GatewayTimeout     time.Duration

	// 下单/支付接口限流与幂等键缓存策略
	RateLimit      int
	RateWindow     time.Duration
	IdempotencyTTL time.Duration

	// IdempotencyPendingTTL 处理中占位的过期时间，进程崩溃后同键最多被占用这么久。
	IdempotencyPendingTTL time.Duration
}

// Development 判断是否开发环境。
func (c AppConfig) Development() bool { return c.Env == "development" }

// DebugResponses 只有开发环境且显式打开 APP_DEBUG 才返回诊断信息。
func (c AppConfig) DebugResponses() bool { return c.Debug && c.Development() }

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	// .env 只用于本地开发，文件不存在时忽略。
	_ = godotenv.Load()

	cfg := AppConfig{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		Env:                getEnv("APP_ENV", "production"),
		AppURL:             strings.TrimRight(getEnv("APP_URL", "http://localhost:8080"), "/"),
		DBDriver:           getEnv("DB_DRIVER", "sqlite"),
		DBDSN:              getEnv("DB_DSN", "storefront.db"),
		RedisAddr:          strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisDB:            0,
		KafkaBrokers:       splitCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "storefront-events"),
		OutboxPoll:         time.Second,
		JWTSecret:          strings.TrimSpace(os.Getenv("JWT_SECRET")),
		AdminToken:         strings.TrimSpace(os.Getenv("ADMIN_TOKEN")),
		XenditBaseURL:      strings.TrimRight(getEnv("XENDIT_BASE_URL", "https://api.xendit.co"), "/"),
		XenditSecretKey:    strings.TrimSpace(os.Getenv("XENDIT_SECRET_KEY")),
		XenditWebhookToken: strings.TrimSpace(os.Getenv("XENDIT_WEBHOOK_TOKEN")),
		PaymentCurrency:    getEnv("PAYMENT_CURRENCY", "IDR"),
		InvoiceDuration:    24 * time.Hour,
		GatewayTimeout:     15 * time.Second,
		RateLimit:          20,
		RateWindow:         time.Second,
		IdempotencyTTL:     24 * time.Hour,

		IdempotencyPendingTTL: time.Minute,
	}

	var err error
	if cfg.Debug, err = getEnvBool("APP_DEBUG", false); err != nil {
		return AppConfig{}, fmt.Errorf("invalid APP_DEBUG: %w", err)
	}
	if cfg.SeedDemo, err = getEnvBool("SEED_DEMO", false); err != nil {
		return AppConfig{}, fmt.Errorf("invalid SEED_DEMO: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	pollMs, err := getEnvInt("OUTBOX_POLL_MS", int(cfg.OutboxPoll.Milliseconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid OUTBOX_POLL_MS: %w", err)
	}
	if pollMs <= 0 {
		return AppConfig{}, fmt.Errorf("OUTBOX_POLL_MS must be > 0")
	}
	cfg.OutboxPoll = time.Duration(pollMs) * time.Millisecond

	durationSec, err := getEnvInt("INVOICE_DURATION_SEC", int(cfg.InvoiceDuration.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid INVOICE_DURATION_SEC: %w", err)
	}
	if durationSec <= 0 {
		return AppConfig{}, fmt.Errorf("INVOICE_DURATION_SEC must be > 0")
	}
	cfg.InvoiceDuration = time.Duration(durationSec) * time.Second

	timeoutSec, err := getEnvInt("GATEWAY_TIMEOUT_SEC", int(cfg.GatewayTimeout.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid GATEWAY_TIMEOUT_SEC: %w", err)
	}
	if timeoutSec <= 0 {
		return AppConfig{}, fmt.Errorf("GATEWAY_TIMEOUT_SEC must be > 0")
	}
	cfg.GatewayTimeout = time.Duration(timeoutSec) * time.Second

	rateLimit, err := getEnvInt("RATE_LIMIT", cfg.RateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("RATE_LIMIT must be > 0")
	}
	cfg.RateLimit = rateLimit

	rateWindowSec, err := getEnvInt("RATE_WINDOW_SEC", int(cfg.RateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("RATE_WINDOW_SEC must be > 0")
	}
	cfg.RateWindow = time.Duration(rateWindowSec) * time.Second

	idemTTLHour, err := getEnvInt("IDEMPOTENCY_TTL_HOUR", int(cfg.IdempotencyTTL.Hours()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid IDEMPOTENCY_TTL_HOUR: %w", err)
	}
	if idemTTLHour <= 0 {
		return AppConfig{}, fmt.Errorf("IDEMPOTENCY_TTL_HOUR must be > 0")
	}
	cfg.IdempotencyTTL = time.Duration(idemTTLHour) * time.Hour

	pendingSec, err := getEnvInt("IDEMPOTENCY_PENDING_SEC", int(cfg.IdempotencyPendingTTL.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid IDEMPOTENCY_PENDING_SEC: %w", err)
	}
	if pendingSec <= 0 {
		return AppConfig{}, fmt.Errorf("IDEMPOTENCY_PENDING_SEC must be > 0")
	}
	cfg.IdempotencyPendingTTL = time.Duration(pendingSec) * time.Second
	if cfg.IdempotencyPendingTTL > cfg.IdempotencyTTL {
		return AppConfig{}, fmt.Errorf("IDEMPOTENCY_PENDING_SEC must not exceed IDEMPOTENCY_TTL_HOUR")
	}

	switch cfg.DBDriver {
	case "sqlite", "postgres":
	default:
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DBDriver)
	}
	if cfg.JWTSecret == "" {
		return AppConfig{}, fmt.Errorf("JWT_SECRET must not be empty")
	}
	if cfg.XenditWebhookToken == "" {
		return AppConfig{}, fmt.Errorf("XENDIT_WEBHOOK_TOKEN must not be empty")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
