// Package config loads platform configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Chain    ChainConfig    `yaml:"chain"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	RequestsPerSec int    `yaml:"requests_per_sec"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
}

// ChainConfig holds token contract client settings.
type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	ContractHash   string        `yaml:"contract_hash"`
	SignerAddress  string        `yaml:"signer_address"`
	NetworkID      uint32        `yaml:"network_id"`
	Decimals       int           `yaml:"decimals"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// AuthConfig holds token issuance settings.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// LoggingConfig mirrors pkg/logger configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// Load reads config.yaml if present, then applies environment overrides.
func Load() (*Config, error) {
	return LoadFromPath("config.yaml")
}

// LoadFromPath loads configuration from a specific file path. A missing file
// is not an error; defaults and environment variables still apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := defaults()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required (JWT_SECRET)")
	}
	if cfg.Server.Port <= 0 {
		return nil, fmt.Errorf("server.port must be positive")
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			RequestsPerSec: 50,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Chain: ChainConfig{
			Decimals:       8,
			ConfirmTimeout: 2 * time.Minute,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.DSN, "DATABASE_URL")
	setString(&cfg.Chain.RPCURL, "CHAIN_RPC_URL")
	setString(&cfg.Chain.ContractHash, "TOKEN_CONTRACT_HASH")
	setString(&cfg.Chain.SignerAddress, "CHAIN_SIGNER_ADDRESS")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}
