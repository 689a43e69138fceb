package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverBolt     = "bolt"
	StoreDriverMemory   = "memory"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	StoreDriver     string `validate:"oneof=postgres bolt memory"`
	BoltPath        string `validate:"required_if=StoreDriver bolt"`
	RevisionHistory int    `validate:"gte=0"`

	ServerPort string `validate:"required"`
	ServerHost string

	LogLevel string `validate:"oneof=debug info warn error"`

	// Observability
	JaegerEndpoint string

	// Cross-instance relay; empty disables it.
	RedisAddr string

	Collab CollabConfig
}

// CollabConfig holds the timing and sizing knobs of the collaboration core.
type CollabConfig struct {
	SaveDebounce          time.Duration `validate:"gt=0"`
	PresenceSweepInterval time.Duration `validate:"gt=0"`
	PresenceStaleAfter    time.Duration `validate:"gt=0,gtfield=HeartbeatInterval"`
	HeartbeatInterval     time.Duration `validate:"gt=0"`
	SeedTimeout           time.Duration `validate:"gt=0"`
	DrainRetryDelay       time.Duration `validate:"gte=0"`
	SaveTimeout           time.Duration `validate:"gt=0"`
	SendBufferSize        int           `validate:"gt=0"`
	MaxRooms              int           `validate:"gte=0"`
}

var validate = validator.New()

// DefaultCollabConfig returns the timings the collaboration core runs with
// when nothing is configured.
func DefaultCollabConfig() CollabConfig {
	return CollabConfig{
		SaveDebounce:          2 * time.Second,
		PresenceSweepInterval: 15 * time.Second,
		PresenceStaleAfter:    30 * time.Second,
		HeartbeatInterval:     10 * time.Second,
		SeedTimeout:           10 * time.Second,
		DrainRetryDelay:       time.Second,
		SaveTimeout:           10 * time.Second,
		SendBufferSize:        256,
		MaxRooms:              0,
	}
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	defaults := DefaultCollabConfig()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "drive_collab"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		StoreDriver:     getEnv("STORE_DRIVER", StoreDriverPostgres),
		BoltPath:        getEnv("BOLT_PATH", "drive-collab.db"),
		RevisionHistory: getEnvInt("REVISION_HISTORY", 20),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
		RedisAddr:      getEnv("REDIS_ADDR", ""),

		Collab: CollabConfig{
			SaveDebounce:          getEnvDuration("COLLAB_SAVE_DEBOUNCE", defaults.SaveDebounce),
			PresenceSweepInterval: getEnvDuration("COLLAB_PRESENCE_SWEEP_INTERVAL", defaults.PresenceSweepInterval),
			PresenceStaleAfter:    getEnvDuration("COLLAB_PRESENCE_STALE_AFTER", defaults.PresenceStaleAfter),
			HeartbeatInterval:     getEnvDuration("COLLAB_HEARTBEAT_INTERVAL", defaults.HeartbeatInterval),
			SeedTimeout:           getEnvDuration("COLLAB_SEED_TIMEOUT", defaults.SeedTimeout),
			DrainRetryDelay:       getEnvDuration("COLLAB_DRAIN_RETRY_DELAY", defaults.DrainRetryDelay),
			SaveTimeout:           getEnvDuration("COLLAB_SAVE_TIMEOUT", defaults.SaveTimeout),
			SendBufferSize:        getEnvInt("COLLAB_SEND_BUFFER", defaults.SendBufferSize),
			MaxRooms:              getEnvInt("COLLAB_MAX_ROOMS", defaults.MaxRooms),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for impossible combinations.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
