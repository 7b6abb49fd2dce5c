// Package config provides environment-driven configuration loading shared
// by the CLI and the servers.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Environment variables recognized by the engine.
const (
	EnvURI           = "ACE_URI"
	EnvAPIKey        = "ACE_API_KEY"
	EnvBaseDir       = "ACE_BASE_DIR"
	EnvPackageDir    = "ACE_PACKAGE_DIR"
	EnvDB            = "ACE_DB"
	EnvStorageRoot   = "ACE_STORAGE_ROOT"
	EnvRedisHost     = "ACE_REDIS_HOST"
	EnvRedisPort     = "ACE_REDIS_PORT"
	EnvAdminPassword = "ACE_ADMIN_PASSWORD"
)

// Settings is the process-level configuration decoded from the
// environment.
type Settings struct {
	URI         string `env:"ACE_URI"`
	APIKey      string `env:"ACE_API_KEY"`
	BaseDir     string `env:"ACE_BASE_DIR"`
	PackageDir  string `env:"ACE_PACKAGE_DIR"`
	DB          string `env:"ACE_DB"`
	StorageRoot string `env:"ACE_STORAGE_ROOT"`
	RedisHost   string `env:"ACE_REDIS_HOST"`
	RedisPort   int    `env:"ACE_REDIS_PORT,default=6379"`
}

// Load decodes Settings from the environment, after sourcing a .env file
// in the working directory when present.
func Load() (*Settings, error) {
	// a missing .env is not an error
	_ = godotenv.Load()

	var s Settings
	if err := envdecode.Decode(&s); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, err
	}

	if s.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		s.BaseDir = filepath.Join(home, ".ace")
	}
	if s.StorageRoot == "" {
		s.StorageRoot = filepath.Join(s.BaseDir, "storage")
	}
	if s.PackageDir == "" {
		s.PackageDir = filepath.Join(s.BaseDir, "packages")
	}
	return &s, nil
}

// RedisAddr returns host:port for the configured Redis, or empty when no
// host is configured.
func (s *Settings) RedisAddr() string {
	if s.RedisHost == "" {
		return ""
	}
	return s.RedisHost + ":" + strconv.Itoa(s.RedisPort)
}

// GetEnv returns the trimmed environment value or the default.
func GetEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// GetEnvInt returns the environment value parsed as an int, or the
// default.
func GetEnvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetEnvBool returns the environment value parsed as a bool. "true", "1",
// "yes" and "y" (case-insensitive) count as true.
func GetEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return fallback
	}
}
