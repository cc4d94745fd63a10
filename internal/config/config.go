package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Auth      AuthConfig      `toml:"auth"`
	LLM       LLMConfig       `toml:"llm"`
	Analytics AnalyticsConfig `toml:"analytics"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	Service        string   `toml:"service"` // all, dilemma or story
	AllowedOrigins []string `toml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path          string `toml:"path"`
	AnalyticsPath string `toml:"analytics_path"`
	MetricsPath   string `toml:"metrics_path"`
}

// PlaceholderJWTSecret is the value shipped in example configs. It is public,
// so a server must never sign admin tokens with it.
const PlaceholderJWTSecret = "change-me-in-production"

// AuthConfig enables the admin endpoints only when JWTSecret is set.
type AuthConfig struct {
	JWTSecret         string `toml:"jwt_secret"`
	AdminPasswordHash string `toml:"admin_password_hash"` // bcrypt
	TokenExpiryMin    int    `toml:"token_expiry_min"`
}

type LLMConfig struct {
	BaseURL         string   `toml:"base_url"`
	APIKey          string   `toml:"api_key"`
	APIKeyFile      string   `toml:"api_key_file"`
	Models          []string `toml:"models"`
	TimeoutSec      int      `toml:"timeout_sec"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
}

type AnalyticsConfig struct {
	Enabled          bool   `toml:"enabled"`
	Salt             string `toml:"salt"`
	TTLDays          int    `toml:"ttl_days"`
	UserAgentMax     int    `toml:"user_agent_max"`
	Buffer           int    `toml:"buffer"`
	PurgeIntervalMin int    `toml:"purge_interval_min"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or text
}

// GroqModels is the default fallback chain, highest daily token budget first.
var GroqModels = []string{
	"llama-3.3-70b-versatile",
	"openai/gpt-oss-120b",
	"qwen/qwen3-32b",
	"meta-llama/llama-4-maverick-17b-128e-instruct",
	"meta-llama/llama-4-scout-17b-16e-instruct",
	"llama-3.1-8b-instant",
	"moonshotai/kimi-k2-instruct",
	"moonshotai/kimi-k2-instruct-0905",
	"meta-llama/llama-guard-4-12b",
	"meta-llama/llama-prompt-guard-2-86m",
	"meta-llama/llama-prompt-guard-2-22m",
	"allam-2-7b",
	"openai/gpt-oss-20b",
	"groq/compound",
	"groq/compound-mini",
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:    ":8080",
			Service: "all",
			AllowedOrigins: []string{
				"https://moraltorturemachine.com",
				"https://www.moraltorturemachine.com",
				"http://localhost:3000",
				"http://localhost:5173",
			},
		},
		Database: DatabaseConfig{
			Path:          "data/moraltorture.db",
			AnalyticsPath: "data/analytics.db",
			MetricsPath:   "data/metrics.db",
		},
		Auth: AuthConfig{
			TokenExpiryMin: 60,
		},
		LLM: LLMConfig{
			BaseURL:         "https://api.groq.com/openai/v1/chat/completions",
			APIKeyFile:      "",
			Models:          append([]string(nil), GroqModels...),
			TimeoutSec:      30,
			RateLimitPerMin: 10,
		},
		Analytics: AnalyticsConfig{
			Enabled:          true,
			TTLDays:          90,
			UserAgentMax:     200,
			Buffer:           256,
			PurgeIntervalMin: 60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets the deployment environment override file values.
func (c *Config) applyEnv() {
	c.Server.Addr = envOr("MTM_ADDR", c.Server.Addr)
	c.Server.Service = envOr("MTM_SERVICE", c.Server.Service)
	c.Database.Path = envOr("MTM_DB_PATH", c.Database.Path)
	c.Database.AnalyticsPath = envOr("MTM_ANALYTICS_DB_PATH", c.Database.AnalyticsPath)
	c.LLM.APIKeyFile = envOr("MTM_API_KEY_FILE", c.LLM.APIKeyFile)
	c.LLM.BaseURL = envOr("MTM_LLM_BASE_URL", c.LLM.BaseURL)
	if models := envOr("MTM_LLM_MODELS", ""); models != "" {
		c.LLM.Models = splitList(models)
	}
	c.LLM.TimeoutSec = envInt("MTM_LLM_TIMEOUT_SEC", c.LLM.TimeoutSec)
	c.Auth.JWTSecret = envOr("MTM_JWT_SECRET", c.Auth.JWTSecret)
	c.Analytics.Salt = envOr("MTM_IP_SALT", c.Analytics.Salt)
	c.Log.Level = envOr("MTM_LOG_LEVEL", c.Log.Level)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Server.Service {
	case "all", "dilemma", "story":
	default:
		return fmt.Errorf("config: server.service must be all, dilemma or story, got %q", c.Server.Service)
	}
	if len(c.LLM.Models) == 0 {
		return fmt.Errorf("config: llm.models is empty")
	}
	if c.LLM.TimeoutSec <= 0 {
		return fmt.Errorf("config: llm.timeout_sec must be positive")
	}
	if c.Analytics.TTLDays <= 0 {
		return fmt.Errorf("config: analytics.ttl_days must be positive")
	}
	if c.Auth.JWTSecret == PlaceholderJWTSecret {
		return fmt.Errorf("config: auth.jwt_secret is the example placeholder, set a real secret or leave it empty")
	}
	return nil
}

// ChainTimeout is the longest a fallback call can take: every model timing out.
func (c LLMConfig) ChainTimeout() time.Duration {
	return time.Duration(len(c.Models)*c.TimeoutSec) * time.Second
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
