package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
)

type Config struct {
	DBFile          string
	AdminAddr       string
	APIAddr         string
	StoreDriver     string
	MongoURI        string
	MongoDatabase   string
	SessionExpiry   time.Duration
	EncryptionMode  string
	SearchWindow    int
	SearchAllWindow int
	UserSearchLimit int
	LogLevel        slog.Level
	LogFormat       string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first and never overrides variables that are
// already set.
func Load(cliMode bool) (*Config, error) {
	_ = godotenv.Load()

	sessionExpiry, err := time.ParseDuration(getEnv("SESSION_EXPIRY", "12h"))
	if err != nil {
		return nil, fmt.Errorf("invalid SESSION_EXPIRY: %w", err)
	}
	searchWindow, err := getInt("SEARCH_WINDOW", 100)
	if err != nil {
		return nil, err
	}
	searchAllWindow, err := getInt("SEARCH_ALL_WINDOW", 50)
	if err != nil {
		return nil, err
	}
	userSearchLimit, err := getInt("USER_SEARCH_LIMIT", 10)
	if err != nil {
		return nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		DBFile:          getEnv("SECCHAT_DB", "secchat.db"),
		AdminAddr:       getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:         getEnv("API_ADDR", "localhost:8080"),
		StoreDriver:     strings.ToLower(getEnv("STORE_DRIVER", DriverMemory)),
		MongoURI:        getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase:   os.Getenv("MONGODB_DATABASE"),
		SessionExpiry:   sessionExpiry,
		EncryptionMode:  strings.ToLower(getEnv("E2EE_MODE", "opportunistic")),
		SearchWindow:    searchWindow,
		SearchAllWindow: searchAllWindow,
		UserSearchLimit: userSearchLimit,
		LogLevel:        level,
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration. In CLI mode only the admin address is
// needed.
func (c *Config) Validate(cliMode bool) error {
	if c.AdminAddr == "" {
		return fmt.Errorf("ADMIN_ADDR is required")
	}
	if cliMode {
		return nil
	}

	switch c.StoreDriver {
	case DriverMemory:
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required for the mongo driver")
		}
		if c.MongoDatabase == "" {
			return fmt.Errorf("MONGODB_DATABASE is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.EncryptionMode != "opportunistic" && c.EncryptionMode != "required" {
		return fmt.Errorf("unknown E2EE_MODE %q", c.EncryptionMode)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}

	if c.SessionExpiry <= 0 {
		return fmt.Errorf("SESSION_EXPIRY must be greater than 0")
	}
	if c.SearchWindow <= 0 || c.SearchAllWindow <= 0 || c.UserSearchLimit <= 0 {
		return fmt.Errorf("search windows and limits must be greater than 0")
	}
	if c.DBFile == "" {
		return fmt.Errorf("SECCHAT_DB is required")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
