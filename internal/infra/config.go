package infra

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv          string        `env:"APP_ENV" env-default:"development"`
	LogLevel        string        `env:"LOG_LEVEL"`
	Port            string        `env:"PORT" env-default:"8080"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	DBMaxConns      int32         `env:"DB_MAX_CONNS" env-default:"10"`
	JWTSecret       string        `env:"JWT_SECRET"`
	StoragePath     string        `env:"STORAGE_PATH" env-default:"./storage"`
	StorageBaseURL  string        `env:"STORAGE_BASE_URL"`
	GeoIPDBPath     string        `env:"GEOIP_DB_PATH"`
	DefaultLocale   string        `env:"DEFAULT_LOCALE" env-default:"ru"`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" env-separator:","`
	MaxPhotoBytes   int64         `env:"MAX_PHOTO_BYTES" env-default:"10485760"`
	RateLimitPerMin int           `env:"RATE_LIMIT_PER_MINUTE" env-default:"30"`
	HTTPRead        time.Duration `env:"HTTP_READ_TIMEOUT" env-default:"15s"`
	HTTPWrite       time.Duration `env:"HTTP_WRITE_TIMEOUT" env-default:"30s"`
	HTTPIdle        time.Duration `env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	RedisURL        string        `env:"REDIS_URL"`
	WakeupQueue     string        `env:"WAKEUP_QUEUE" env-default:"reelforge:jobs:wakeup"`
	AMQPURL         string        `env:"AMQP_URL"`
	EventsExchange  string        `env:"EVENTS_EXCHANGE" env-default:"reelforge.job-events"`
	PushgatewayURL  string        `env:"PUSHGATEWAY_URL"`
	PushInterval    time.Duration `env:"PUSHGATEWAY_INTERVAL" env-default:"15s"`
	ProxyList       string        `env:"PROXY_LIST"`
	ProxyCooldown   time.Duration `env:"PROXY_COOLDOWN" env-default:"5m"`
	WelcomeCredits  int           `env:"WELCOME_CREDITS" env-default:"0"`
	SupportContact  string        `env:"SUPPORT_CONTACT"`
	AutoMigrate     bool          `env:"AUTO_MIGRATE" env-default:"false"`
	TokenTTL        time.Duration `env:"USER_TOKEN_TTL" env-default:"720h"`

	Worker   WorkerConfig   `env-prefix:"WORKER_"`
	KIE      KIEConfig      `env-prefix:"KIE_"`
	OpenAI   OpenAIConfig   `env-prefix:"OPENAI_"`
	Telegram TelegramConfig `env-prefix:"TELEGRAM_"`
}

// WorkerConfig tunes the claim loop and the per-job pipeline.
type WorkerConfig struct {
	Concurrency        int           `env:"CONCURRENCY" env-default:"5"`
	MaxAttempts        int           `env:"MAX_ATTEMPTS" env-default:"3"`
	ClaimInterval      time.Duration `env:"CLAIM_INTERVAL" env-default:"2s"`
	CreateTimeout      time.Duration `env:"CREATE_TIMEOUT" env-default:"90s"`
	PollInterval       time.Duration `env:"POLL_INTERVAL" env-default:"10s"`
	PollRequestTimeout time.Duration `env:"POLL_REQUEST_TIMEOUT" env-default:"60s"`
	PollTimeout        time.Duration `env:"POLL_TIMEOUT" env-default:"5m"`
	MaxPollFailures    int           `env:"MAX_POLL_FAILURES" env-default:"3"`
	DownloadTimeout    time.Duration `env:"DOWNLOAD_TIMEOUT" env-default:"3m"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" env-default:"1m"`
	StuckAfter         time.Duration `env:"STUCK_AFTER" env-default:"15m"`
	AdminPort          string        `env:"ADMIN_PORT" env-default:"9090"`
	RetryNotices       bool          `env:"RETRY_NOTICES" env-default:"true"`
}

// KIEConfig configures the video generation provider.
type KIEConfig struct {
	APIKey  string `env:"API_KEY"`
	BaseURL string `env:"BASE_URL" env-default:"https://api.kie.ai"`
	Model   string `env:"MODEL" env-default:"sora-2-image-to-video"`
}

// OpenAIConfig configures the prompt builder.
type OpenAIConfig struct {
	APIKey  string `env:"API_KEY"`
	Model   string `env:"MODEL" env-default:"gpt-4.1-mini"`
	BaseURL string `env:"BASE_URL"`
}

// TelegramConfig configures direct chat delivery.
type TelegramConfig struct {
	BotToken string `env:"BOT_TOKEN"`
	BaseURL  string `env:"BASE_URL" env-default:"https://api.telegram.org"`
}

// LoadConfig loads .env files when present, reads the environment and applies derived defaults.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	if strings.TrimSpace(cfg.Port) == "" {
		cfg.Port = "8080"
	}
	if strings.TrimSpace(cfg.StorageBaseURL) == "" {
		cfg.StorageBaseURL = "http://localhost:" + cfg.Port + "/static"
	}
	cfg.StorageBaseURL = strings.TrimRight(cfg.StorageBaseURL, "/")
	if cfg.Worker.MaxAttempts <= 0 {
		cfg.Worker.MaxAttempts = 3
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 1
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// RequireJWT fails when the API signing secret is missing.
func (c *Config) RequireJWT() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}
