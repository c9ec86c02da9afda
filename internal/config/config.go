package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Storage   StorageConfig      `yaml:"storage"`
	Redis     RedisConfig        `yaml:"redis"`
	LLM       LLMConfig          `yaml:"llm"`
	Bandit    BanditConfig       `yaml:"bandit"`
	Ingest    IngestConfig       `yaml:"ingest"`
	Behavior  BehaviorConfig     `yaml:"behavior"`
	Guardrail GuardrailConfig    `yaml:"guardrail"`
	Rewards   map[string]float64 `yaml:"rewards"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port              int     `yaml:"port"`
	Host              string  `yaml:"host"`
	RequestDeadlineMS int     `yaml:"request_deadline_ms"`
	RateLimitPerSec   float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst    int     `yaml:"rate_limit_burst"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// RequestDeadline returns the optimize soft deadline as a duration
func (c ServerConfig) RequestDeadline() time.Duration {
	return time.Duration(c.RequestDeadlineMS) * time.Millisecond
}

// StorageConfig holds document store configuration.
// Type is "memory" or "dynamodb"; ApplyURI can override both from a
// STORAGE_URI value like "dynamodb://table?region=us-east-1&endpoint=http://localhost:8000".
type StorageConfig struct {
	Type          string `yaml:"type"`
	Table         string `yaml:"table"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
	ArchiveBucket string `yaml:"archive_bucket"`
	AWSProfile    string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// ApplyURI overrides storage settings from a STORAGE_URI value.
func (c *StorageConfig) ApplyURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("parsing storage uri: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem":
		c.Type = "memory"
	case "dynamodb":
		c.Type = "dynamodb"
		if u.Host != "" {
			c.Table = u.Host
		}
		q := u.Query()
		if v := q.Get("region"); v != "" {
			c.Region = v
		}
		if v := q.Get("endpoint"); v != "" {
			c.Endpoint = v
		}
	default:
		return fmt.Errorf("unsupported storage uri scheme %q", u.Scheme)
	}
	return nil
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// LLMConfig holds Bedrock LLM configuration for variant regeneration and
// identity refinement. With Enabled unset the server runs in stub mode.
type LLMConfig struct {
	APIKey         string `yaml:"api_key"`
	ModelID        string `yaml:"model_id"`
	Region         string `yaml:"region"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured LLM deadline as a duration
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BanditConfig holds variant selection parameters
type BanditConfig struct {
	Epsilon       float64            `yaml:"epsilon"`
	EpsilonByTier map[string]float64 `yaml:"epsilon_by_tier"`
	RegenGap      float64            `yaml:"regen_gap"`
	MinTrials     int                `yaml:"min_trials"`
	LockTTLMS     int                `yaml:"lock_ttl_ms"`
}

// EpsilonFor returns the exploration rate for a tenant tier
func (c BanditConfig) EpsilonFor(tier string) float64 {
	if eps, ok := c.EpsilonByTier[tier]; ok {
		return eps
	}
	return c.Epsilon
}

// LockTTL returns the regeneration advisory lock TTL as a duration
func (c BanditConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMS) * time.Millisecond
}

// IngestConfig holds event pipeline configuration
type IngestConfig struct {
	QueueDepth      int `yaml:"queue_depth"`
	Watermark       int `yaml:"watermark"`
	Workers         int `yaml:"workers"`
	SessionRatePerS int `yaml:"session_rate_per_s"`
	SessionBurst    int `yaml:"session_burst"`
}

// BehaviorConfig holds behavioral aggregation parameters
type BehaviorConfig struct {
	RecentEventLimit int `yaml:"recent_event_limit"`
	WindowSeconds    int `yaml:"window_seconds"`
}

// Window returns the aggregation sliding window as a duration
func (c BehaviorConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// GuardrailConfig holds content policy configuration
type GuardrailConfig struct {
	MaxHTMLBytes   int      `yaml:"max_html_bytes"`
	FlaggedPhrases []string `yaml:"flagged_phrases"`
}

// Load reads and parses the configuration file. A missing file is not an
// error; the service can run entirely from env vars.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.RequestDeadlineMS == 0 {
		cfg.Server.RequestDeadlineMS = 500
	}
	if cfg.Server.RateLimitPerSec == 0 {
		cfg.Server.RateLimitPerSec = 100
	}
	if cfg.Server.RateLimitBurst == 0 {
		cfg.Server.RateLimitBurst = 200
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "memory"
	}
	if cfg.Storage.Table == "" {
		cfg.Storage.Table = "adapt-main"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.LLM.ModelID == "" {
		cfg.LLM.ModelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.LLM.Region == "" {
		cfg.LLM.Region = "us-east-1"
	}
	if cfg.LLM.TimeoutSeconds == 0 {
		cfg.LLM.TimeoutSeconds = 10
	}
	if cfg.Bandit.Epsilon == 0 {
		cfg.Bandit.Epsilon = 0.2
	}
	if cfg.Bandit.RegenGap == 0 {
		cfg.Bandit.RegenGap = 1.0
	}
	if cfg.Bandit.MinTrials == 0 {
		cfg.Bandit.MinTrials = 5
	}
	if cfg.Bandit.LockTTLMS == 0 {
		cfg.Bandit.LockTTLMS = 30000
	}
	if cfg.Ingest.QueueDepth == 0 {
		cfg.Ingest.QueueDepth = 1024
	}
	if cfg.Ingest.Watermark == 0 {
		cfg.Ingest.Watermark = 768
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.SessionRatePerS == 0 {
		cfg.Ingest.SessionRatePerS = 50
	}
	if cfg.Ingest.SessionBurst == 0 {
		cfg.Ingest.SessionBurst = 100
	}
	if cfg.Behavior.RecentEventLimit == 0 {
		cfg.Behavior.RecentEventLimit = 50
	}
	if cfg.Behavior.WindowSeconds == 0 {
		cfg.Behavior.WindowSeconds = 600
	}
	if cfg.Guardrail.MaxHTMLBytes == 0 {
		cfg.Guardrail.MaxHTMLBytes = 64 * 1024
	}
	if cfg.Rewards == nil {
		cfg.Rewards = DefaultRewards()
	}

	return &cfg, nil
}

// DefaultRewards returns the built-in reward weight per reward type.
// Negative weights exist for completeness; applied rewards clamp at zero.
func DefaultRewards() map[string]float64 {
	return map[string]float64{
		"click":       1.0,
		"cta_click":   3.0,
		"form_submit": 4.0,
		"add_to_cart": 5.0,
		"signup":      6.0,
		"purchase":    10.0,
		"rage_click":  -1.5,
		"bounce":      -2.0,
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("REQUEST_DEADLINE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Server.RequestDeadlineMS = ms
		}
	}
	if uri := os.Getenv("STORAGE_URI"); uri != "" {
		if err := cfg.Storage.ApplyURI(uri); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("VARIANT_ARCHIVE_BUCKET"); v != "" {
		cfg.Storage.ArchiveBucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.Region = v
		cfg.LLM.Region = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.Addr = strings.TrimPrefix(v, "redis://")
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
		cfg.LLM.Enabled = true
	}
	if v := os.Getenv("BEDROCK_MODEL_ID"); v != "" {
		cfg.LLM.ModelID = v
	}
	if v := os.Getenv("EPSILON"); v != "" {
		if eps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Bandit.Epsilon = eps
		}
	}
	if v := os.Getenv("REGEN_GAP"); v != "" {
		if gap, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Bandit.RegenGap = gap
		}
	}
	if v := os.Getenv("MIN_TRIALS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bandit.MinTrials = n
		}
	}

	return cfg, nil
}
