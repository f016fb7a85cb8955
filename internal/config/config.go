package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Env variables that override file configuration. Secrets go through the
// environment so the config file can be committed without them.
const (
	EnvConfigPath    = "APOLOGIZE_CONFIG"
	EnvDBType        = "APOLOGIZE_DB"
	EnvJWTSecret     = "APOLOGIZE_JWT_SECRET"
	EnvAdminUsername = "APOLOGIZE_ADMIN_USERNAME"
	EnvAdminPassword = "APOLOGIZE_ADMIN_PASSWORD"
)

const defaultTokenTTLHours = 7 * 24

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

type BasicConfig struct {
	ServerAddress   string   `json:"server_address"`
	JWTSecret       string   `json:"jwt_secret"`
	TokenTTLHours   int      `json:"token_ttl_hours"`
	AdminUsername   string   `json:"admin_username"`
	AdminPassword   string   `json:"admin_password"`
	InviteCodes     []string `json:"invite_codes"`
	AccessPassword  string   `json:"access_password"`
	HistoryWindow   int      `json:"history_window"`
	DefaultProvider string   `json:"default_provider"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// Load reads configuration from the provided path (defaults to config.json)
// and applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()

	if cfg.BasicConfig.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret must be configured (file or %s)", EnvJWTSecret)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		c.BasicConfig.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAdminUsername)); v != "" {
		c.BasicConfig.AdminUsername = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAdminPassword)); v != "" {
		c.BasicConfig.AdminPassword = v
	}
}

// TokenTTL returns the configured token lifetime, defaulting to seven days.
func (c *Config) TokenTTL() time.Duration {
	hours := c.BasicConfig.TokenTTLHours
	if hours <= 0 {
		hours = defaultTokenTTLHours
	}
	return time.Duration(hours) * time.Hour
}

// HistoryWindow returns how many trailing messages feed the LLM context.
func (c *Config) HistoryWindow() int {
	if c.BasicConfig.HistoryWindow <= 0 {
		return 10
	}
	return c.BasicConfig.HistoryWindow
}

// LegacyAuthEnabled reports whether the shared-secret gate accepts callers.
func (c *Config) LegacyAuthEnabled() bool {
	return len(c.BasicConfig.InviteCodes) > 0 || c.BasicConfig.AccessPassword != ""
}
