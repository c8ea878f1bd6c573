package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	NodeEnv       string
	Port          string
	JWTSecret     string
	PublicBaseURL string
	Database      DatabaseConfig
	Redis         RedisConfig
	Pairing       PairingConfig
	Log           LogConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Alter    bool

	// Embedded PostgreSQL, used when Host is localhost and Password is empty
	EmbeddedDataPath string
	EmbeddedPort     int
}

// Embedded reports whether Connect should start its own PostgreSQL
func (c DatabaseConfig) Embedded() bool {
	return c.Host == "localhost" && c.Password == ""
}

// RedisConfig holds the claim lockout store configuration.
// An empty Addr disables the lockout.
type RedisConfig struct {
	Addr           string
	Password       string
	MaxFailures    int
	LockoutSeconds int
}

// PairingConfig tunes code issuance
type PairingConfig struct {
	CodeMaxAttempts     int
	RegistrationCodeTTL time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	ttl, err := time.ParseDuration(getEnv("REGISTRATION_CODE_TTL", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid REGISTRATION_CODE_TTL: %w", err)
	}

	port := getEnv("PORT", "3210")

	return &Config{
		NodeEnv:       getEnv("NODE_ENV", "development"),
		Port:          port,
		JWTSecret:     jwtSecret,
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:"+port),
		Database: DatabaseConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "eckdisplay"),
			Alter:    getEnv("DB_ALTER", "false") == "true",

			EmbeddedDataPath: getEnv("PG_EMBEDDED_DATA", "./db_data"),
			EmbeddedPort:     getEnvInt("PG_EMBEDDED_PORT", 5433),
		},
		Redis: RedisConfig{
			Addr:           os.Getenv("REDIS_ADDR"),
			Password:       os.Getenv("REDIS_PASSWORD"),
			MaxFailures:    getEnvInt("CLAIM_MAX_FAILURES", 10),
			LockoutSeconds: getEnvInt("CLAIM_LOCKOUT_SECONDS", 300),
		},
		Pairing: PairingConfig{
			CodeMaxAttempts:     getEnvInt("CODE_MAX_ATTEMPTS", 10),
			RegistrationCodeTTL: ttl,
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}
