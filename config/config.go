package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// HTTP server configuration
	Server ServerConfig `yaml:"server"`

	// Key store configuration
	Database DatabaseConfig `yaml:"database"`

	// Server-side provider credentials (used for free-tier and fallback traffic)
	Google    ProviderConfig `yaml:"google"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Bedrock   BedrockConfig  `yaml:"bedrock"`

	// Routing and fallback configuration
	Routing  RoutingConfig  `yaml:"routing"`
	Fallback FallbackConfig `yaml:"fallback"`

	// Key lifecycle configuration
	Keys KeysConfig `yaml:"keys"`

	// Per-user generation throttling
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// HTTP configuration
	HTTP HTTPConfig `yaml:"http"`

	// Logging configuration
	Log LogConfig `yaml:"log"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds key store configuration.
// URL selects PostgreSQL; SQLitePath selects the embedded SQLite store.
type DatabaseConfig struct {
	URL        string `yaml:"-"`
	SQLitePath string `yaml:"sqlite_path"`
}

// ProviderConfig holds one AI provider's server-side configuration
type ProviderConfig struct {
	APIKey    string `yaml:"-"` // secrets come from the environment only
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// BedrockConfig holds AWS Bedrock configuration for server-side Claude access
type BedrockConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Region           string `yaml:"region"`
	ModelID          string `yaml:"model_id"`
	AnthropicVersion string `yaml:"anthropic_version"`
}

// RoutingConfig holds the model chosen for each routing reason
type RoutingConfig struct {
	DefaultModel        string  `yaml:"default_model"`
	VisionModel         string  `yaml:"vision_model"`
	FreeTierModel       string  `yaml:"free_tier_model"`
	QualityModel        string  `yaml:"quality_model"`
	ComplexityThreshold float64 `yaml:"complexity_threshold"`
}

// FallbackConfig holds the process-wide fallback budget
type FallbackConfig struct {
	DailyLimit int `yaml:"daily_limit"`
}

// KeysConfig holds key lifecycle policy
type KeysConfig struct {
	MaxAgeDays int `yaml:"max_age_days"`
}

// RateLimitConfig holds per-user generation limits
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// HTTPConfig holds HTTP surface configuration
type HTTPConfig struct {
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load builds the configuration from defaults, the optional YAML file named by
// SIZA_CONFIG_FILE, and finally environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("SIZA_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Google: ProviderConfig{
			BaseURL:   "https://generativelanguage.googleapis.com",
			Model:     "gemini-2.0-flash",
			MaxTokens: 8192,
		},
		OpenAI: ProviderConfig{
			Model:     "gpt-4o",
			MaxTokens: 4096,
		},
		Anthropic: ProviderConfig{
			BaseURL:   "https://api.anthropic.com",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 8192,
		},
		Bedrock: BedrockConfig{
			Region:           "us-east-1",
			ModelID:          "anthropic.claude-3-5-sonnet-20241022-v2:0",
			AnthropicVersion: "bedrock-2023-05-31",
		},
		Routing: RoutingConfig{
			DefaultModel:        "gemini-2.0-flash",
			VisionModel:         "gemini-2.0-flash",
			FreeTierModel:       "gemini-2.0-flash",
			QualityModel:        "claude-sonnet-4-20250514",
			ComplexityThreshold: 0.6,
		},
		Fallback: FallbackConfig{
			DailyLimit: 500,
		},
		Keys: KeysConfig{
			MaxAgeDays: 90,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 20,
			Burst:             5,
		},
		HTTP: HTTPConfig{
			CORSAllowedOrigins: "*",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// loadFile overlays the YAML file at path onto c. Keys absent from the file keep their current value.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("PORT", c.Server.Port)

	c.Database.URL = getEnvString("DATABASE_URL", c.Database.URL)
	c.Database.SQLitePath = getEnvString("SQLITE_PATH", c.Database.SQLitePath)

	c.Google.APIKey = getEnvString("GOOGLE_API_KEY", getEnvString("GEMINI_API_KEY", c.Google.APIKey))
	c.Google.BaseURL = getEnvString("GOOGLE_BASE_URL", c.Google.BaseURL)
	c.Google.Model = getEnvString("GOOGLE_MODEL", c.Google.Model)

	c.OpenAI.APIKey = getEnvString("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.BaseURL = getEnvString("OPENAI_BASE_URL", c.OpenAI.BaseURL)
	c.OpenAI.Model = getEnvString("OPENAI_MODEL", c.OpenAI.Model)
	c.OpenAI.MaxTokens = getEnvInt("OPENAI_MAX_TOKENS", c.OpenAI.MaxTokens)

	c.Anthropic.APIKey = getEnvString("ANTHROPIC_API_KEY", c.Anthropic.APIKey)
	c.Anthropic.BaseURL = getEnvString("ANTHROPIC_BASE_URL", c.Anthropic.BaseURL)
	c.Anthropic.Model = getEnvString("ANTHROPIC_MODEL", c.Anthropic.Model)
	c.Anthropic.MaxTokens = getEnvInt("ANTHROPIC_MAX_TOKENS", c.Anthropic.MaxTokens)

	c.Bedrock.Enabled = getEnvBool("BEDROCK_ENABLED", c.Bedrock.Enabled)
	c.Bedrock.Region = getEnvString("AWS_REGION", c.Bedrock.Region)
	c.Bedrock.ModelID = getEnvString("BEDROCK_MODEL_ID", c.Bedrock.ModelID)
	c.Bedrock.AnthropicVersion = getEnvString("BEDROCK_ANTHROPIC_VERSION", c.Bedrock.AnthropicVersion)

	c.Routing.DefaultModel = getEnvString("ROUTING_DEFAULT_MODEL", c.Routing.DefaultModel)
	c.Routing.VisionModel = getEnvString("ROUTING_VISION_MODEL", c.Routing.VisionModel)
	c.Routing.FreeTierModel = getEnvString("ROUTING_FREE_TIER_MODEL", c.Routing.FreeTierModel)
	c.Routing.QualityModel = getEnvString("ROUTING_QUALITY_MODEL", c.Routing.QualityModel)
	c.Routing.ComplexityThreshold = getEnvFloat("ROUTING_COMPLEXITY_THRESHOLD", c.Routing.ComplexityThreshold)

	c.Fallback.DailyLimit = getEnvNonNegativeInt("FALLBACK_DAILY_LIMIT", c.Fallback.DailyLimit)
	c.Keys.MaxAgeDays = getEnvInt("KEY_MAX_AGE_DAYS", c.Keys.MaxAgeDays)

	c.RateLimit.RequestsPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", c.RateLimit.RequestsPerMinute)
	c.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", c.RateLimit.Burst)

	c.HTTP.CORSAllowedOrigins = getEnvString("CORS_ALLOWED_ORIGINS", c.HTTP.CORSAllowedOrigins)
	c.Log.Level = getEnvString("LOG_LEVEL", c.Log.Level)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Routing.ComplexityThreshold < 0 || c.Routing.ComplexityThreshold > 1 {
		return fmt.Errorf("ROUTING_COMPLEXITY_THRESHOLD must be between 0 and 1, got %.2f", c.Routing.ComplexityThreshold)
	}

	if c.Fallback.DailyLimit < 0 {
		return fmt.Errorf("FALLBACK_DAILY_LIMIT must not be negative, got %d", c.Fallback.DailyLimit)
	}
	if c.Keys.MaxAgeDays <= 0 {
		return fmt.Errorf("KEY_MAX_AGE_DAYS must be positive, got %d", c.Keys.MaxAgeDays)
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimit.RequestsPerMinute)
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive, got %d", c.RateLimit.Burst)
	}

	for name, model := range map[string]string{
		"ROUTING_DEFAULT_MODEL":   c.Routing.DefaultModel,
		"ROUTING_VISION_MODEL":    c.Routing.VisionModel,
		"ROUTING_FREE_TIER_MODEL": c.Routing.FreeTierModel,
		"ROUTING_QUALITY_MODEL":   c.Routing.QualityModel,
	} {
		if model == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}

	return nil
}

// KeyMaxAge returns the implicit key lifetime
func (c *Config) KeyMaxAge() time.Duration {
	return time.Duration(c.Keys.MaxAgeDays) * 24 * time.Hour
}

// HasDatabase returns true if PostgreSQL configuration is available
func (c *Config) HasDatabase() bool {
	return c.Database.URL != ""
}

// HasSQLite returns true if an SQLite key store path is configured
func (c *Config) HasSQLite() bool {
	return c.Database.SQLitePath != ""
}

// HasGoogle returns true if server-side Gemini credentials are available
func (c *Config) HasGoogle() bool {
	return c.Google.APIKey != ""
}

// HasOpenAI returns true if server-side OpenAI credentials are available
func (c *Config) HasOpenAI() bool {
	return c.OpenAI.APIKey != ""
}

// HasAnthropic returns true if server-side Claude access is available, directly or through Bedrock
func (c *Config) HasAnthropic() bool {
	return c.Anthropic.APIKey != "" || c.HasBedrock()
}

// HasBedrock returns true if Bedrock is enabled with a region and model
func (c *Config) HasBedrock() bool {
	return c.Bedrock.Enabled && c.Bedrock.Region != "" && c.Bedrock.ModelID != ""
}

func getEnvString(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

// getEnvNonNegativeInt is getEnvInt for settings where zero is meaningful
func getEnvNonNegativeInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil && parsed >= 0 && parsed <= 1 {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// NewTestConfig creates a Config with default values for testing
func NewTestConfig() *Config {
	cfg := defaults()
	cfg.Database.SQLitePath = ":memory:"
	cfg.Log.Level = "debug"
	return cfg
}
