// Package config loads SwarmLite's environment, the teacher's exact
// pattern: an optional .env via github.com/joho/godotenv, then os.Getenv,
// fail-fast with a descriptive error rather than limping along on zero
// values (spec.md §6.4).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is everything the server and CLI entrypoints need to construct a
// Kernel, its Store, and its Gate.
type Config struct {
	DBConnStr           string
	AuditSecretKey       string
	DBEncryptionKey      string
	GovernanceConfigPath string
	HTTPPort             string
	PoolSize             int
	LogLevel             string
}

// Load reads .env (if present) and the environment, and returns an
// unvalidated Config. Callers that need a database or encryption run
// Validate afterward with the classifications their definitions actually use.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "no .env file found or failed to load: %v. Using process environment.\n", err)
	}

	cfg := Config{
		DBConnStr:            dbConnStrFromEnv(),
		AuditSecretKey:       os.Getenv("AUDIT_SECRET_KEY"),
		DBEncryptionKey:      os.Getenv("DB_ENCRYPTION_KEY"),
		GovernanceConfigPath: os.Getenv("GOVERNANCE_CONFIG_PATH"),
		HTTPPort:             os.Getenv("HTTP_PORT"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
		PoolSize:             20,
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = "8080"
	}
	if v := os.Getenv("POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PoolSize = n
		}
	}
	return cfg
}

func dbConnStrFromEnv() string {
	if v := os.Getenv("DB_CONN_STR"); v != "" {
		return v
	}
	user, pass, host, port, name := os.Getenv("DB_USERNAME"), os.Getenv("DB_PASSWORD"), os.Getenv("DB_HOST"), os.Getenv("DB_PORT"), os.Getenv("DB_NAME")
	if user == "" || host == "" || name == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
}

// minKeyLen mirrors internal/crypto.MinKeyLength for both AUDIT_SECRET_KEY
// and DB_ENCRYPTION_KEY so config validation doesn't need to import crypto just to read a constant
// that could change independently for a different reason.
const minKeyLen = 32

// Validate enforces spec.md §6.4: AUDIT_SECRET_KEY is always required;
// DB_ENCRYPTION_KEY is required only when anySensitiveData is true (the
// caller has inspected the submitted definition for a pii/phi
// data_classification).
func (c Config) Validate(anySensitiveData bool) error {
	if len(c.AuditSecretKey) < minKeyLen {
		return fmt.Errorf("AUDIT_SECRET_KEY must be set and at least %d bytes, got %d", minKeyLen, len(c.AuditSecretKey))
	}
	if anySensitiveData && len(c.DBEncryptionKey) < minKeyLen {
		return fmt.Errorf("DB_ENCRYPTION_KEY must be set and at least %d bytes when pii/phi data is in use, got %d", minKeyLen, len(c.DBEncryptionKey))
	}
	return nil
}
