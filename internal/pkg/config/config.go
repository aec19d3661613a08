package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

const (
	defaultBatchSize   = 50
	defaultMaxDelay    = 300
	defaultCleanupDays = 30
)

// Config holds all application configuration.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	TrackingLevel    string `env:"TRACKING_LEVEL" envDefault:"standard"`
	SaveMode         string `env:"TRACKING_SAVE_MODE" envDefault:"batch"`
	QueueDepth       int    `env:"TRACKING_QUEUE_DEPTH" envDefault:"16"`
	PIIRedactionKeys string `env:"PII_REDACTION_FIELDS" envDefault:"password,credit_card,ssn"`

	// Read as text so a malformed value falls back to its default instead of
	// failing env.Parse.
	RawBatchSize   string `env:"TRACKING_BATCH_SIZE" envDefault:"50"`
	RawMaxDelay    string `env:"TRACKING_MAX_DELAY" envDefault:"300"`
	RawCleanupDays string `env:"TRACKING_CLEANUP_DAYS" envDefault:"30"`
	RawDebug       string `env:"TRACKING_DEBUG" envDefault:"false"`

	// Resolved from the raw values above.
	BatchSize       int
	MaxDelaySeconds int
	CleanupDays     int
	Debug           bool

	CommitTimeout   time.Duration `env:"TRACKING_COMMIT_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"TRACKING_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// CleanupInterval of zero leaves retention sweeps to an external scheduler.
	CleanupInterval time.Duration `env:"TRACKING_CLEANUP_INTERVAL" envDefault:"0s"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	PostgresURL   string `env:"POSTGRES_URL"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"tracking.db"`
	AutoMigrate   bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	// SpillDir of "" disables the shutdown spill journal.
	SpillDir      string `env:"TRACKING_SPILL_DIR" envDefault:""`
	SpillMaxBytes int64  `env:"TRACKING_SPILL_MAX_BYTES" envDefault:"67108864"` // 64MB

	RedisAddr       string        `env:"REDIS_ADDR"`
	SessionCacheTTL time.Duration `env:"SESSION_CACHE_TTL" envDefault:"10m"`

	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopic   string `env:"TRACKING_KAFKA_TOPIC" envDefault:"tracking.events"`

	HTTPAddr     string `env:"TRACKING_HTTP_ADDR" envDefault:":8080"`
	AdminAddr    string `env:"TRACKING_ADMIN_ADDR" envDefault:":9091"`
	AdminToken   string `env:"ADMIN_TOKEN"`
	MaxEventSize int64  `env:"MAX_EVENT_SIZE_BYTES" envDefault:"1048576"` // 1MB

	// Warnings lists invalid values that were replaced by defaults. They are
	// logged once the logger exists.
	Warnings []string

	level domain.TrackingLevel
	mode  domain.SaveMode
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve validates the tracking settings. Bad tracking values never fail
// startup; they fall back to defaults and are reported in Warnings.
func (c *Config) resolve() error {
	level, ok := domain.ParseTrackingLevel(c.TrackingLevel)
	if !ok {
		c.warnf("invalid TRACKING_LEVEL %q, using %q", c.TrackingLevel, level)
	}
	mode, ok := domain.ParseSaveMode(c.SaveMode)
	if !ok {
		c.warnf("invalid TRACKING_SAVE_MODE %q, using %q", c.SaveMode, mode)
	}
	c.BatchSize = c.positiveInt("TRACKING_BATCH_SIZE", c.RawBatchSize, defaultBatchSize)
	c.MaxDelaySeconds = c.positiveInt("TRACKING_MAX_DELAY", c.RawMaxDelay, defaultMaxDelay)
	c.CleanupDays = c.positiveInt("TRACKING_CLEANUP_DAYS", c.RawCleanupDays, defaultCleanupDays)
	debug, err := strconv.ParseBool(strings.TrimSpace(c.RawDebug))
	if err != nil {
		c.warnf("invalid TRACKING_DEBUG %q, using false", c.RawDebug)
	}
	c.Debug = debug
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1
	}
	if c.Debug {
		c.LogLevel = "debug"
	}

	switch c.StorageDriver {
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("config: POSTGRES_URL is required when STORAGE_DRIVER=postgres")
		}
	case "sqlite":
	default:
		return fmt.Errorf("config: unsupported STORAGE_DRIVER %q", c.StorageDriver)
	}

	c.level, c.mode = level, mode
	return nil
}

func (c *Config) positiveInt(name, raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		c.warnf("invalid %s %q, using %d", name, raw, def)
		return def
	}
	return n
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// Tracking returns the validated tracking policy.
func (c *Config) Tracking() domain.TrackingConfig {
	return domain.TrackingConfig{
		Level:       c.level,
		SaveMode:    c.mode,
		BatchSize:   c.BatchSize,
		MaxDelay:    time.Duration(c.MaxDelaySeconds) * time.Second,
		CleanupDays: c.CleanupDays,
		Debug:       c.Debug,
	}
}

// RedactionKeys splits PII_REDACTION_FIELDS into trimmed, non-empty keys.
func (c *Config) RedactionKeys() []string {
	return splitList(c.PIIRedactionKeys)
}

// Brokers splits KAFKA_BROKERS into addresses.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
