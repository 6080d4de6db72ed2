package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Configはアプリ全体の設定
type Config struct {
	Port string // サーバーポート（8080）

	PostgresUser     string // DBユーザー
	PostgresPassword string // DBパスワード
	PostgresDB       string // DB名
	PostgresHost     string // DBホスト（localhost）
	PostgresPort     int    // DBポート（5433）
	PostgresSSLMode  string // disable/require

	JWTSecret string // JWT署名シークレット

	GoEnv string // dev/prod
	FEURL string // フロントURL（決済のreturn/cancel先）

	PaymentAPIKey     string // プロバイダ共有シークレット（チェックサムにも使う）
	PaymentMode       string // static/dynamic
	PaymentEndpoint   string // dynamic時のプロバイダAPI
	PaymentWebhookURL string // dynamic時にプロバイダへ登録するURL
	PaymentStaticLink string // static時の固定リンク

	ReconcileTimeoutMin  int // これを超えたpending_paymentを期限切れにする
	ReconcileIntervalMin int // スイープ周期

	RedisAddr    string   // 空ならwebhook足切りなし
	KafkaBrokers []string // 空ならpaidイベント発行なし
}

// Loadは環境変数
func Load() (Config, error) {
	pgPort, err := mustAtoi("POSTGRES_PORT")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port: os.Getenv("PORT"),

		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresPort:     pgPort,
		PostgresSSLMode:  getenvDefault("POSTGRES_SSLMODE", "disable"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		GoEnv: os.Getenv("GO_ENV"),
		FEURL: os.Getenv("FE_URL"),

		PaymentAPIKey:     os.Getenv("PAYMENT_API_KEY"),
		PaymentMode:       getenvDefault("PAYMENT_MODE", "dynamic"),
		PaymentEndpoint:   os.Getenv("PAYMENT_ENDPOINT"),
		PaymentWebhookURL: os.Getenv("PAYMENT_WEBHOOK_URL"),
		PaymentStaticLink: os.Getenv("PAYMENT_STATIC_LINK"),

		ReconcileTimeoutMin:  atoiDefault("RECONCILE_TIMEOUT_MIN", 30),
		ReconcileIntervalMin: atoiDefault("RECONCILE_INTERVAL_MIN", 15),

		RedisAddr:    os.Getenv("REDIS_ADDR"),
		KafkaBrokers: splitCSV(os.Getenv("KAFKA_BROKERS")),
	}

	//必須チェック
	if cfg.Port == "" {
		return Config{}, fmt.Errorf("PORT is required")
	}
	if cfg.PostgresUser == "" {
		return Config{}, fmt.Errorf("POSTGRES_USER is required")
	}
	if cfg.PostgresPassword == "" {
		return Config{}, fmt.Errorf("POSTGRES_PASSWORD is required")
	}
	if cfg.PostgresDB == "" {
		return Config{}, fmt.Errorf("POSTGRES_DB is required")
	}
	if cfg.PostgresHost == "" {
		return Config{}, fmt.Errorf("POSTGRES_HOST is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.GoEnv == "" {
		return Config{}, fmt.Errorf("GO_ENV is required")
	}
	if cfg.FEURL == "" {
		return Config{}, fmt.Errorf("FE_URL is required")
	}
	if cfg.PaymentAPIKey == "" {
		return Config{}, fmt.Errorf("PAYMENT_API_KEY is required")
	}

	switch cfg.PaymentMode {
	case "dynamic":
		if cfg.PaymentEndpoint == "" {
			return Config{}, fmt.Errorf("PAYMENT_ENDPOINT is required in dynamic mode")
		}
		if cfg.PaymentWebhookURL == "" {
			return Config{}, fmt.Errorf("PAYMENT_WEBHOOK_URL is required in dynamic mode")
		}
	case "static":
		if cfg.PaymentStaticLink == "" {
			return Config{}, fmt.Errorf("PAYMENT_STATIC_LINK is required in static mode")
		}
	default:
		return Config{}, fmt.Errorf("PAYMENT_MODE must be static or dynamic")
	}

	if cfg.ReconcileTimeoutMin <= 0 {
		return Config{}, fmt.Errorf("RECONCILE_TIMEOUT_MIN must be positive")
	}
	if cfg.ReconcileIntervalMin <= 0 {
		return Config{}, fmt.Errorf("RECONCILE_INTERVAL_MIN must be positive")
	}

	return cfg, nil
}

// 本番はwebhookのチェックサム必須。開発は警告だけで通す。
func (c Config) StrictWebhook() bool {
	return c.GoEnv == "prod"
}

func (c Config) Dev() bool {
	return c.GoEnv != "prod"
}

func mustAtoi(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be number: %w", key, err)
	}
	return i, nil
}

func atoiDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
