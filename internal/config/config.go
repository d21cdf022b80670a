package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Development    bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// .env file is optional, so we don't return an error
		fmt.Println("No .env file found, using environment variables")
	}

	port, err := strconv.Atoi(getEnv("SERVER_PORT", "8765"))
	if err != nil {
		return nil, fmt.Errorf("SERVER_PORT must be a number: %w", err)
	}

	cfg := &Config{
		Host:           getEnv("SERVER_HOST", "0.0.0.0"),
		Port:           port,
		AllowedOrigins: splitOrigins(getEnv("ALLOWED_ORIGINS", "*")),
		Development:    getEnv("DEVELOPMENT", "false") == "true",
	}

	return cfg, nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
