package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"valueai/internal/credits"
)

// Config is the resolved runtime configuration: defaults, then the YAML
// file, then environment. Command-line flags in main override last.
type Config struct {
	HTTPAddr    string
	CORSOrigins []string

	StoreDriver string // bbolt | postgres
	DBPath      string
	PostgresURL string
	SeedDemo    bool

	SessionSecret     string
	SessionTTL        time.Duration
	AdminPasswordHash string

	TelegramToken   string
	TelegramAdminID int64

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string
	PaymentTimeout      time.Duration

	GeminiAPIKey    string
	GeminiModel     string
	AnalysisTimeout time.Duration

	Plans []credits.Plan
}

type configFile struct {
	HTTP struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"http"`
	Store struct {
		Driver      string `yaml:"driver"`
		Path        string `yaml:"path"`
		PostgresURL string `yaml:"postgres_url"`
	} `yaml:"store"`
	Ledger struct {
		SeedDemo bool `yaml:"seed_demo"`
	} `yaml:"ledger"`
	Session struct {
		Secret string `yaml:"secret"`
		TTL    string `yaml:"ttl"`
	} `yaml:"session"`
	Admin struct {
		PasswordHash string `yaml:"password_hash"`
	} `yaml:"admin"`
	Telegram struct {
		Token       string `yaml:"token"`
		AdminChatID int64  `yaml:"admin_chat_id"`
	} `yaml:"telegram"`
	Stripe struct {
		SecretKey     string `yaml:"secret_key"`
		WebhookSecret string `yaml:"webhook_secret"`
		SuccessURL    string `yaml:"success_url"`
		CancelURL     string `yaml:"cancel_url"`
		Timeout       string `yaml:"timeout"`
	} `yaml:"stripe"`
	Gemini struct {
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
		Timeout string `yaml:"timeout"`
	} `yaml:"gemini"`
	Plans []credits.Plan `yaml:"plans"`
}

func defaults() Config {
	return Config{
		HTTPAddr:         ":8080",
		StoreDriver:      "bbolt",
		DBPath:           "./data/valueai.db",
		SessionTTL:       12 * time.Hour,
		StripeSuccessURL: "http://localhost:8501/?page=success",
		StripeCancelURL:  "http://localhost:8501/?page=cancel",
		PaymentTimeout:   20 * time.Second,
		GeminiModel:      "gemini-1.5-flash",
		AnalysisTimeout:  60 * time.Second,
		Plans:            credits.DefaultPlans(),
	}
}

// Load resolves configuration. A missing file at path is not an error; a
// malformed one is.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (cfg *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	setString(&cfg.HTTPAddr, f.HTTP.Addr)
	if len(f.HTTP.CORSOrigins) > 0 {
		cfg.CORSOrigins = f.HTTP.CORSOrigins
	}
	setString(&cfg.StoreDriver, f.Store.Driver)
	setString(&cfg.DBPath, f.Store.Path)
	setString(&cfg.PostgresURL, f.Store.PostgresURL)
	cfg.SeedDemo = f.Ledger.SeedDemo
	setString(&cfg.SessionSecret, f.Session.Secret)
	setString(&cfg.AdminPasswordHash, f.Admin.PasswordHash)
	setString(&cfg.TelegramToken, f.Telegram.Token)
	if f.Telegram.AdminChatID != 0 {
		cfg.TelegramAdminID = f.Telegram.AdminChatID
	}
	setString(&cfg.StripeSecretKey, f.Stripe.SecretKey)
	setString(&cfg.StripeWebhookSecret, f.Stripe.WebhookSecret)
	setString(&cfg.StripeSuccessURL, f.Stripe.SuccessURL)
	setString(&cfg.StripeCancelURL, f.Stripe.CancelURL)
	setString(&cfg.GeminiAPIKey, f.Gemini.APIKey)
	setString(&cfg.GeminiModel, f.Gemini.Model)
	if len(f.Plans) > 0 {
		cfg.Plans = f.Plans
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session.ttl", f.Session.TTL, &cfg.SessionTTL},
		{"stripe.timeout", f.Stripe.Timeout, &cfg.PaymentTimeout},
		{"gemini.timeout", f.Gemini.Timeout, &cfg.AnalysisTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse config file: %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (cfg *Config) applyEnv() error {
	cfg.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.CORSOrigins = envCSV("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(envOrDefault("STORE_DRIVER", cfg.StoreDriver)))
	cfg.DBPath = envOrDefault("DB_PATH", cfg.DBPath)
	cfg.PostgresURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.PostgresURL))
	cfg.SeedDemo = envBool("SEED_DEMO", cfg.SeedDemo)
	cfg.SessionSecret = envOrDefault("SESSION_SECRET", cfg.SessionSecret)
	cfg.AdminPasswordHash = envOrDefault("ADMIN_PASSWORD_HASH", cfg.AdminPasswordHash)
	cfg.TelegramToken = envOrDefault("BOT_TOKEN", cfg.TelegramToken)
	cfg.StripeSecretKey = envOrDefault("STRIPE_SECRET_KEY", cfg.StripeSecretKey)
	cfg.StripeWebhookSecret = envOrDefault("STRIPE_WEBHOOK_SECRET", cfg.StripeWebhookSecret)
	cfg.StripeSuccessURL = envOrDefault("STRIPE_SUCCESS_URL", cfg.StripeSuccessURL)
	cfg.StripeCancelURL = envOrDefault("STRIPE_CANCEL_URL", cfg.StripeCancelURL)
	cfg.GeminiAPIKey = envOrDefault("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiModel = envOrDefault("GEMINI_MODEL", cfg.GeminiModel)
	cfg.SessionTTL = envDuration("SESSION_TTL_HOURS", time.Hour, cfg.SessionTTL)
	cfg.PaymentTimeout = envDuration("PAYMENT_TIMEOUT_SECONDS", time.Second, cfg.PaymentTimeout)
	cfg.AnalysisTimeout = envDuration("ANALYSIS_TIMEOUT_SECONDS", time.Second, cfg.AnalysisTimeout)

	if raw := os.Getenv("ADMIN_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid ADMIN_CHAT_ID: %w", err)
		}
		cfg.TelegramAdminID = id
	}
	return nil
}

// Validate reports settings that cannot work together.
func (cfg Config) Validate() error {
	switch cfg.StoreDriver {
	case "bbolt":
		if cfg.DBPath == "" {
			return fmt.Errorf("store.path is required for the bbolt driver")
		}
	case "postgres":
		if cfg.PostgresURL == "" {
			return fmt.Errorf("missing DB_URL/POSTGRES_URL for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if cfg.TelegramToken != "" && cfg.TelegramAdminID == 0 {
		return fmt.Errorf("ADMIN_CHAT_ID is required when BOT_TOKEN is set")
	}
	if cfg.SessionSecret != "" && len(cfg.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 bytes")
	}
	if cfg.SessionTTL <= 0 || cfg.PaymentTimeout <= 0 || cfg.AnalysisTimeout <= 0 {
		return fmt.Errorf("durations must be positive")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envDuration reads an integer count of unit, falling back on empty or
// invalid values.
func envDuration(name string, unit, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return time.Duration(v) * unit
}

func envBool(name string, fallback bool) bool {
	switch os.Getenv(name) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
