package core

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the entire cvchat configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Bus      BusConfig      `yaml:"bus"`
	Security SecurityConfig `yaml:"security"`
	RAG      RAGConfig      `yaml:"rag"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	CORSOrigins    []string `yaml:"cors_origins"`
	BurstPerSecond int      `yaml:"burst_per_second"`
}

// BusConfig holds NATS event sink settings. When disabled, security events
// are only logged and kept in the in-process ring.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// SecurityConfig holds defense pipeline settings. Zero values fall back to
// the pipeline defaults.
type SecurityConfig struct {
	MaxMessagesPerMinute   int    `yaml:"max_messages_per_minute"`
	MaxRequestsPerHour     int    `yaml:"max_requests_per_hour"`
	LimitMultiplier        int    `yaml:"limit_multiplier"`
	SlowDownThreshold      int    `yaml:"slow_down_threshold"`
	SlowDownDelayMS        int    `yaml:"slow_down_delay_ms"`
	SlowDownMaxDelayMS     int    `yaml:"slow_down_max_delay_ms"`
	MaxMessageLength       int    `yaml:"max_message_length"`
	BlockThreshold         int    `yaml:"block_threshold"`
	EnableIPBlocking       bool   `yaml:"enable_ip_blocking"`
	EnablePatternDetection bool   `yaml:"enable_pattern_detection"`
	StoreBackend           string `yaml:"store_backend"` // "memory" or "redis"
	RedisAddr              string `yaml:"redis_addr"`
	RedisPassword          string `yaml:"redis_password"`
	RedisDB                int    `yaml:"redis_db"`
}

// RAGConfig holds settings for the upstream chat/retrieval collaborator.
type RAGConfig struct {
	UpstreamURL       string `yaml:"upstream_url"`
	APIKey            string `yaml:"api_key"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	MaxSessionTurns   int    `yaml:"max_session_turns"`
	SessionTTLMinutes int    `yaml:"session_ttl_minutes"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config that works without any config file present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8085,
			BurstPerSecond: 50,
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Security: SecurityConfig{
			MaxMessagesPerMinute:   10,
			MaxRequestsPerHour:     100,
			LimitMultiplier:        3,
			SlowDownThreshold:      5,
			SlowDownDelayMS:        500,
			SlowDownMaxDelayMS:     10000,
			MaxMessageLength:       2000,
			BlockThreshold:         10,
			EnableIPBlocking:       true,
			EnablePatternDetection: true,
			StoreBackend:           "memory",
		},
		RAG: RAGConfig{
			UpstreamURL:       "http://127.0.0.1:8090",
			TimeoutSeconds:    30,
			MaxSessionTurns:   20,
			SessionTTLMinutes: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, applyEnv(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, applyEnv(cfg)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, applyEnv(cfg)
}

// applyEnv overlays credentials and endpoints from the environment so they
// never have to live in the config file.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("CVCHAT_UPSTREAM_URL"); v != "" {
		cfg.RAG.UpstreamURL = v
	}
	if v := os.Getenv("CVCHAT_UPSTREAM_KEY"); v != "" {
		cfg.RAG.APIKey = v
	}
	if v := os.Getenv("CVCHAT_REDIS_ADDR"); v != "" {
		cfg.Security.StoreBackend = "redis"
		cfg.Security.RedisAddr = v
	}
	return nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LogLevel returns the normalized log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Security.LimitMultiplier < 1 {
		return fmt.Errorf("security.limit_multiplier must be >= 1")
	}
	if c.Security.StoreBackend != "" && c.Security.StoreBackend != "memory" && c.Security.StoreBackend != "redis" {
		return fmt.Errorf("security.store_backend %q: use memory or redis", c.Security.StoreBackend)
	}
	if c.Security.StoreBackend == "redis" && c.Security.RedisAddr == "" {
		return fmt.Errorf("security.redis_addr required when store_backend is redis")
	}
	return nil
}
