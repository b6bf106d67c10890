package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults for the server and the realtime feed.
const (
	ServerAddr    = ":8080"
	NatsURL       = "nats://127.0.0.1:4222"
	StreamName    = "CHAT_EVENTS"
	SubjectPrefix = "chat"

	MaxMessageSize = 16 << 20 // Large enough for a base64 encoded chat attachment
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10

	ReconnectDelay    = 3 * time.Second
	MaxReconnectDelay = 60 * time.Second

	ChatAttachmentMaxBytes = 10 << 20
	ProfilePhotoMaxBytes   = 5 << 20
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Backend     string            `yaml:"backend" validate:"oneof=memory mysql"`
	MySQL       MySQLConfig       `yaml:"mysql"`
	NATS        NATSConfig        `yaml:"nats"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr" validate:"required"`
	MaxMessageSize int64         `yaml:"max_message_size" validate:"gt=0"`
	WriteWait      time.Duration `yaml:"write_wait" validate:"gt=0"`
	PongWait       time.Duration `yaml:"pong_wait" validate:"gt=0"`
	PingPeriod     time.Duration `yaml:"ping_period" validate:"gt=0,ltfield=PongWait"`
}

type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	StreamName    string        `yaml:"stream_name" validate:"required"`
	SubjectPrefix string        `yaml:"subject_prefix" validate:"required"`
	MaxAge        time.Duration `yaml:"max_age" validate:"gte=0"`
}

type StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`
	PathPrefix      string `yaml:"path_prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type RealtimeConfig struct {
	// Policy is "fixed" (constant delay) or "exponential".
	Policy            string        `yaml:"policy" validate:"oneof=fixed exponential"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" validate:"gt=0"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay" validate:"gtefield=ReconnectDelay"`
	// MaxAttempts of zero retries forever.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`
}

type AttachmentsConfig struct {
	ChatMaxBytes int64 `yaml:"chat_max_bytes" validate:"gt=0"`
	// ProfilePhotoMaxBytes is the ceiling for a profile-photo pipeline. The
	// chat server does not build one; it is read by hosts that do.
	ProfilePhotoMaxBytes int64 `yaml:"profile_photo_max_bytes" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns a configuration that runs entirely in memory.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ServerAddr,
			MaxMessageSize: MaxMessageSize,
			WriteWait:      WriteWait,
			PongWait:       PongWait,
			PingPeriod:     PingPeriod,
		},
		Backend: "memory",
		NATS: NATSConfig{
			StreamName:    StreamName,
			SubjectPrefix: SubjectPrefix,
			MaxAge:        24 * time.Hour,
		},
		Storage: StorageConfig{PathPrefix: "chat"},
		Realtime: RealtimeConfig{
			Policy:            "fixed",
			ReconnectDelay:    ReconnectDelay,
			MaxReconnectDelay: MaxReconnectDelay,
		},
		Attachments: AttachmentsConfig{
			ChatMaxBytes:         ChatAttachmentMaxBytes,
			ProfilePhotoMaxBytes: ProfilePhotoMaxBytes,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads an optional .env file, the YAML file at path (skipped when
// path is empty) and environment overrides, then validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Could not load .env file", "error", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	set := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	set("CHAT_SERVER_ADDR", &cfg.Server.Addr)
	set("CHAT_BACKEND", &cfg.Backend)
	set("MYSQL_DSN", &cfg.MySQL.DSN)
	set("NATS_URL", &cfg.NATS.URL)
	set("REDIS_ADDR", &cfg.Redis.Addr)
	set("REDIS_PASSWORD", &cfg.Redis.Password)
	set("GCS_BUCKET", &cfg.Storage.Bucket)
	set("GCS_CREDENTIALS_FILE", &cfg.Storage.CredentialsFile)
	set("LOG_LEVEL", &cfg.Log.Level)
	if v, ok := os.LookupEnv("REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		cfg.Redis.DB = db
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-section requirements.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Backend == "mysql" {
		if c.MySQL.DSN == "" {
			return errors.New("invalid config: mysql backend requires mysql.dsn")
		}
		if c.NATS.URL == "" {
			return errors.New("invalid config: mysql backend requires nats.url for the live feed")
		}
	}
	return nil
}

// NewLogger builds the process logger from the log section.
func NewLogger(lc LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
