// Package config loads hub settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Backend selectors for the history cache and the relay stream.
const (
	BackendRedis     = "redis"
	BackendNATS      = "nats"
	BackendMemory    = "memory"
	defaultEnvPrefix = ""
)

// Config holds every setting the hub reads at startup.
type Config struct {
	Port            string        `envconfig:"PORT" default:"3000"`
	InstanceID      string        `envconfig:"INSTANCE_ID"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text"`

	CacheBackend   string        `envconfig:"CACHE_BACKEND" default:"redis"`
	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	RedisPoolSize  int           `envconfig:"REDIS_POOL_SIZE" default:"10"`
	CachePrefix    string        `envconfig:"CACHE_PREFIX" default:""`
	MessageTTL     time.Duration `envconfig:"MESSAGE_TTL" default:"24h"`
	HistoryWindow  int           `envconfig:"HISTORY_WINDOW" default:"100"`
	HistoryDefault int           `envconfig:"HISTORY_DEFAULT_LIMIT" default:"20"`

	RelayBackend    string        `envconfig:"RELAY_BACKEND" default:"nats"`
	NATSURL         string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	RelayWorkers    int           `envconfig:"RELAY_WORKERS" default:"4"`
	RelayQueueSize  int           `envconfig:"RELAY_QUEUE_SIZE" default:"1024"`
	RelayMaxDeliver int           `envconfig:"RELAY_MAX_DELIVER" default:"10"`
	RelayAckWait    time.Duration `envconfig:"RELAY_ACK_WAIT" default:"30s"`
	RelayMaxAge     time.Duration `envconfig:"RELAY_MAX_AGE" default:"24h"`

	SendQueueSize int           `envconfig:"SEND_QUEUE_SIZE" default:"256"`
	SendTimeout   time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`
	PingInterval  time.Duration `envconfig:"PING_INTERVAL" default:"30s"`

	DBPath    string        `envconfig:"DB_PATH" default:"chat-hub.db"`
	JWTSecret string        `envconfig:"JWT_SECRET"`
	JWTIssuer string        `envconfig:"JWT_ISSUER" default:"chat-hub"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"15m"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(defaultEnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		cfg.InstanceID = host
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the hub cannot run with.
func (c Config) Validate() error {
	switch c.CacheBackend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("invalid CACHE_BACKEND %q", c.CacheBackend)
	}
	switch c.RelayBackend {
	case BackendNATS, BackendMemory:
	default:
		return fmt.Errorf("invalid RELAY_BACKEND %q", c.RelayBackend)
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be positive, got %d", c.HistoryWindow)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive, got %d", c.SendQueueSize)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive, got %s", c.SendTimeout)
	}
	return nil
}

// NewLogger creates a structured logger with an explicit level and format.
func NewLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	log := slog.New(h)
	slog.SetDefault(log)
	return log
}
