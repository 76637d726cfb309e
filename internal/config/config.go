package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Embedding EmbeddingConfig `json:"embedding"`
	Agent     AgentConfig     `json:"agent"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Search    SearchConfig    `json:"search"`
	Notify    NotifyConfig    `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type EmbeddingConfig struct {
	Provider     string `json:"provider"` // "api" or "local"
	Endpoint     string `json:"endpoint"`
	Model        string `json:"model"`
	APIKey       string `json:"api_key"`
	Dimension    int    `json:"dimension"`
	CacheTTLMins int    `json:"cache_ttl_minutes"` // 0 disables the Redis cache
}

type AgentConfig struct {
	Endpoint       string `json:"endpoint"`
	Model          string `json:"model"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type SchedulerConfig struct {
	TickSeconds       int `json:"tick_seconds"`
	JanitorIntervalHr int `json:"janitor_interval_hours"`
	MinLeadMinutes    int `json:"min_lead_minutes"`
	FallbackDelayMins int `json:"fallback_delay_minutes"`
	RunTimeoutSeconds int `json:"run_timeout_seconds"`
}

type SearchConfig struct {
	MinScore   float32 `json:"min_score"`
	MaxResults int     `json:"max_results"`
}

type NotifyConfig struct {
	Slack SlackNotifyConfig `json:"slack"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
