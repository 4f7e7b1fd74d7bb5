// Package internal holds process configuration.
package internal

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerURL string `env:"CHATSYNC_SERVER_URL,default=http://localhost:3000"`
	Token     string `env:"CHATSYNC_TOKEN"`

	CachePath  string `env:"CHATSYNC_CACHE_PATH,default=.chatsync/cache"`
	SearchPath string `env:"CHATSYNC_SEARCH_PATH,default=.chatsync/search"`

	LogLevel string `env:"CHATSYNC_LOG_LEVEL,default=info"`

	ReconnectBaseDelay   time.Duration `env:"CHATSYNC_RECONNECT_BASE_DELAY,default=1s"`
	ReconnectMaxDelay    time.Duration `env:"CHATSYNC_RECONNECT_MAX_DELAY,default=30s"`
	ReconnectMaxAttempts int           `env:"CHATSYNC_RECONNECT_MAX_ATTEMPTS,default=10"`

	TypingTTL         time.Duration `env:"CHATSYNC_TYPING_TTL,default=5s"`
	TelemetryInterval time.Duration `env:"CHATSYNC_TELEMETRY_INTERVAL,default=30s"`
}

// LoadConfig reads the optional .env file then the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if cfg.Token == "" {
		return Config{}, fmt.Errorf("CHATSYNC_TOKEN is required")
	}
	return cfg, nil
}
