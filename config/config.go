package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

type Config struct {
	Huddle   HuddleConfig
	Token    TokenConfig
	Progress ProgressConfig
}

type HuddleConfig struct {
	DbPath                string `env:"DB_PATH"`
	ListenAddr            string `env:"LISTEN_ADDR"`
	LogLevel              string `env:"LOG_LEVEL"`
	LivenessWindowSeconds int    `env:"LIVENESS_WINDOW_SECONDS"`
}

type TokenConfig struct {
	SigningSecret string `env:"TOKEN_SIGNING_SECRET"`
}

type ProgressConfig struct {
	RateLimitWrites        int `env:"PROGRESS_RATE_LIMIT_WRITES"`
	RateLimitWindowSeconds int `env:"PROGRESS_RATE_LIMIT_WINDOW_SECONDS"`
	MergeWindowMinutes     int `env:"PROGRESS_MERGE_WINDOW_MINUTES"`
}

func Load() (*Config, error) {
	c := &Config{
		Huddle: HuddleConfig{
			DbPath:                "huddle.db",
			ListenAddr:            ":8080",
			LogLevel:              "info",
			LivenessWindowSeconds: 45,
		},
		Progress: ProgressConfig{
			RateLimitWrites:        30,
			RateLimitWindowSeconds: 60,
			MergeWindowMinutes:     15,
		},
	}
	if err := config.New().AddFeeder(feeder.Env{}).AddStruct(c).Feed(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) LivenessWindow() time.Duration {
	return time.Duration(c.Huddle.LivenessWindowSeconds) * time.Second
}

func (c *Config) GetLogLevel() slog.Leveler {
	logLevel := strings.ToLower(c.Huddle.LogLevel)
	if logLevel == "error" {
		return slog.LevelError
	}
	if logLevel == "warning" {
		return slog.LevelWarn
	}
	if logLevel == "info" {
		return slog.LevelInfo
	}
	if logLevel == "debug" {
		return slog.LevelDebug
	}
	// default to info if unknown
	slog.With(slog.String("log_level", logLevel)).Info("Received invalid log level. Defaulting to INFO.")
	return slog.LevelInfo
}
