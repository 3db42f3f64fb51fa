package domain

import (
	"os"
	"strconv"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Anomaly engine settings
	Anomaly AnomalyConfig `json:"anomaly"`

	// External collaborators
	OCR    OCRConfig    `json:"ocr"`
	Parser ParserConfig `json:"parser"`
	Notify NotifyConfig `json:"notify"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// APIKey guards the bill endpoints; empty disables auth (dev only).
	APIKey string `json:"-"`
}

// AnomalyConfig holds isolation forest and model persistence settings.
type AnomalyConfig struct {
	Contamination float64 `json:"contamination"`
	Estimators    int     `json:"estimators"`
	Seed          int64   `json:"seed"`

	// DataDir holds the model artifact and the training corpus snapshot.
	DataDir string `json:"dataDir"`
}

// OCRConfig holds text extraction settings.
type OCRConfig struct {
	// VisionAPIKey enables the Google Vision endpoint; empty means
	// tesseract only.
	VisionAPIKey   string `json:"-"`
	VisionEndpoint string `json:"visionEndpoint"`

	// TesseractFallback invokes a local tesseract install when the
	// Vision call fails or is not configured.
	TesseractFallback bool `json:"tesseractFallback"`
}

// ParserConfig holds LLM field-extraction settings.
type ParserConfig struct {
	OpenAIAPIKey string `json:"-"`
	Model        string `json:"model"`
	BaseURL      string `json:"baseUrl"`
}

// NotifyConfig holds Telegram notification settings.
type NotifyConfig struct {
	TelegramToken  string `json:"-"`
	TelegramChatID string `json:"-"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Anomaly: AnomalyConfig{
			Contamination: 0.10,
			Estimators:    100,
			Seed:          42,
			DataDir:       "./data",
		},
		OCR: OCRConfig{
			VisionEndpoint:    "https://vision.googleapis.com/v1/images:annotate",
			TesseractFallback: true,
		},
		Parser: ParserConfig{
			Model:   "gpt-4o-mini",
			BaseURL: "https://api.openai.com/v1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// FromEnv builds a configuration from KESTREL_* environment variables
// layered over the tier defaults.
func FromEnv() *Config {
	cfg := DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = ProConfig()
	}

	setString(&cfg.Server.Host, "KESTREL_HOST")
	setInt(&cfg.Server.Port, "KESTREL_PORT")
	setString(&cfg.Server.APIKey, "KESTREL_API_KEY")

	setString(&cfg.Repository.SQLitePath, "KESTREL_SQLITE_PATH")
	setString(&cfg.Repository.PostgresHost, "KESTREL_PG_HOST")
	setInt(&cfg.Repository.PostgresPort, "KESTREL_PG_PORT")
	setString(&cfg.Repository.PostgresUser, "KESTREL_PG_USER")
	setString(&cfg.Repository.PostgresPassword, "KESTREL_PG_PASSWORD")
	setString(&cfg.Repository.PostgresDB, "KESTREL_PG_DB")
	setString(&cfg.Repository.PostgresSSLMode, "KESTREL_PG_SSLMODE")

	setString(&cfg.Cache.RedisAddr, "KESTREL_REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "KESTREL_REDIS_PASSWORD")

	setString(&cfg.EventBus.NATSUrl, "KESTREL_NATS_URL")
	setString(&cfg.EventBus.NATSToken, "KESTREL_NATS_TOKEN")

	setString(&cfg.Anomaly.DataDir, "KESTREL_DATA_DIR")
	setInt64(&cfg.Anomaly.Seed, "KESTREL_MODEL_SEED")

	setString(&cfg.OCR.VisionAPIKey, "KESTREL_VISION_API_KEY")
	setString(&cfg.Parser.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.Parser.Model, "KESTREL_PARSER_MODEL")
	setString(&cfg.Notify.TelegramToken, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Notify.TelegramChatID, "TELEGRAM_CHAT_ID")

	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
