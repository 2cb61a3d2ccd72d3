package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds everything the relay service reads from the environment.
type Config struct {
	Env  string
	Port string

	DBDriver    string
	DatabaseURL string // postgres DSN, built from POSTGRES_* when DATABASE_URL is unset
	SQLitePath  string

	RedisAddr string // empty disables the cross-instance bus

	CORSAllowedOrigins []string

	WSWriteTimeout  time.Duration
	WSMaxFrameBytes int64
	MaxRoomMembers  int
}

// loads configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		Env:                getEnvOrDefault("APP_ENV", "dev"),
		Port:               getEnvOrDefault("PORT", "8080"),
		DBDriver:           strings.ToLower(getEnvOrDefault("DB_DRIVER", DriverPostgres)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SQLitePath:         getEnvOrDefault("SQLITE_PATH", "pairprog.db"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		CORSAllowedOrigins: splitCSV(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*")),
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = postgresDSN()
	}

	var err error
	if config.WSWriteTimeout, err = time.ParseDuration(getEnvOrDefault("WS_WRITE_TIMEOUT", "10s")); err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	if config.WSMaxFrameBytes, err = strconv.ParseInt(getEnvOrDefault("WS_MAX_FRAME_BYTES", "0"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid WS_MAX_FRAME_BYTES: %w", err)
	}
	if config.MaxRoomMembers, err = strconv.Atoi(getEnvOrDefault("MAX_ROOM_MEMBERS", "0")); err != nil {
		return nil, fmt.Errorf("invalid MAX_ROOM_MEMBERS: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if config.DBDriver != DriverPostgres && config.DBDriver != DriverSQLite {
		return errors.New("unsupported DB_DRIVER: " + config.DBDriver + ". Currently supported: postgres, sqlite")
	}
	if config.WSWriteTimeout <= 0 {
		return errors.New("WS_WRITE_TIMEOUT must be positive")
	}
	if config.WSMaxFrameBytes < 0 {
		return errors.New("WS_MAX_FRAME_BYTES must not be negative")
	}
	if config.MaxRoomMembers < 0 {
		return errors.New("MAX_ROOM_MEMBERS must not be negative")
	}
	if len(config.CORSAllowedOrigins) == 0 {
		return errors.New("CORS_ALLOWED_ORIGINS must list at least one origin")
	}
	return nil
}

// Addr is the listen address derived from Port.
func (c *Config) Addr() string { return ":" + c.Port }

func postgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		getEnvOrDefault("POSTGRES_HOST", "localhost"),
		getEnvOrDefault("POSTGRES_USER", "postgres"),
		getEnvOrDefault("POSTGRES_PASSWORD", "postgres"),
		getEnvOrDefault("POSTGRES_DB", "postgres"),
		getEnvOrDefault("POSTGRES_PORT", "5432"),
		getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitCSV trims and filters a comma-separated list
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
