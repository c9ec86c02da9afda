package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"
  request_deadline_ms: 750
  rate_limit_per_sec: 50
  rate_limit_burst: 80

storage:
  type: "dynamodb"
  table: "adapt-test"
  region: "us-west-2"
  endpoint: "http://localhost:8000"

redis:
  addr: "localhost:6380"
  enabled: true

llm:
  model_id: "anthropic.claude-3-haiku-20240307-v1:0"
  timeout_seconds: 5
  enabled: true

bandit:
  epsilon: 0.1
  regen_gap: 2.0
  min_trials: 10
  epsilon_by_tier:
    enterprise: 0.05

behavior:
  recent_event_limit: 25
  window_seconds: 300

rewards:
  click: 2.0
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Test server config
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 750*time.Millisecond, cfg.Server.RequestDeadline())
	assert.Equal(t, 50.0, cfg.Server.RateLimitPerSec)
	assert.Equal(t, 80, cfg.Server.RateLimitBurst)

	// Test storage config
	assert.Equal(t, "dynamodb", cfg.Storage.Type)
	assert.Equal(t, "adapt-test", cfg.Storage.Table)
	assert.Equal(t, "us-west-2", cfg.Storage.Region)
	assert.Equal(t, "http://localhost:8000", cfg.Storage.Endpoint)

	// Test redis config
	assert.Equal(t, "localhost:6380", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)

	// Test LLM config
	assert.Equal(t, "anthropic.claude-3-haiku-20240307-v1:0", cfg.LLM.ModelID)
	assert.Equal(t, 5*time.Second, cfg.LLM.Timeout())
	assert.True(t, cfg.LLM.Enabled)

	// Test bandit config
	assert.Equal(t, 0.1, cfg.Bandit.Epsilon)
	assert.Equal(t, 2.0, cfg.Bandit.RegenGap)
	assert.Equal(t, 10, cfg.Bandit.MinTrials)
	assert.Equal(t, 0.05, cfg.Bandit.EpsilonFor("enterprise"))
	assert.Equal(t, 0.1, cfg.Bandit.EpsilonFor("free"))

	// Test behavior config
	assert.Equal(t, 25, cfg.Behavior.RecentEventLimit)
	assert.Equal(t, 5*time.Minute, cfg.Behavior.Window())

	// Explicit reward map replaces the defaults wholesale
	assert.Equal(t, 2.0, cfg.Rewards["click"])
	_, hasPurchase := cfg.Rewards["purchase"]
	assert.False(t, hasPurchase)
}

func TestLoadDefaults(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 3000
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 500, cfg.Server.RequestDeadlineMS)
	assert.Equal(t, 100.0, cfg.Server.RateLimitPerSec)
	assert.Equal(t, 200, cfg.Server.RateLimitBurst)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "adapt-main", cfg.Storage.Table)
	assert.Equal(t, 0.2, cfg.Bandit.Epsilon)
	assert.Equal(t, 1.0, cfg.Bandit.RegenGap)
	assert.Equal(t, 5, cfg.Bandit.MinTrials)
	assert.Equal(t, 30*time.Second, cfg.Bandit.LockTTL())
	assert.Equal(t, 1024, cfg.Ingest.QueueDepth)
	assert.Equal(t, 768, cfg.Ingest.Watermark)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.Equal(t, 50, cfg.Behavior.RecentEventLimit)
	assert.Equal(t, 10*time.Minute, cfg.Behavior.Window())
	assert.Equal(t, 64*1024, cfg.Guardrail.MaxHTMLBytes)
	assert.Equal(t, 1.0, cfg.Rewards["click"])
	assert.Equal(t, 10.0, cfg.Rewards["purchase"])
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Type)
}

func TestApplyURI(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		wantType string
		wantErr  bool
	}{
		{"memory", "memory://", "memory", false},
		{"dynamodb", "dynamodb://adapt-prod?region=eu-west-1", "dynamodb", false},
		{"dynamodb local", "dynamodb://adapt-dev?endpoint=http://localhost:8000", "dynamodb", false},
		{"unknown scheme", "postgres://localhost/adapt", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sc StorageConfig
			err := sc.ApplyURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, sc.Type)
		})
	}

	var sc StorageConfig
	require.NoError(t, sc.ApplyURI("dynamodb://adapt-prod?region=eu-west-1&endpoint=http://localhost:8000"))
	assert.Equal(t, "adapt-prod", sc.Table)
	assert.Equal(t, "eu-west-1", sc.Region)
	assert.Equal(t, "http://localhost:8000", sc.Endpoint)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("STORAGE_URI", "dynamodb://adapt-env?region=us-east-2")
	t.Setenv("EPSILON", "0.3")
	t.Setenv("REGEN_GAP", "1.5")
	t.Setenv("MIN_TRIALS", "7")
	t.Setenv("REQUEST_DEADLINE_MS", "250")
	t.Setenv("LLM_API_KEY", "test-llm-key")
	t.Setenv("REDIS_URL", "redis://127.0.0.1:6390")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "dynamodb", cfg.Storage.Type)
	assert.Equal(t, "adapt-env", cfg.Storage.Table)
	assert.Equal(t, "us-east-2", cfg.Storage.Region)
	assert.Equal(t, 0.3, cfg.Bandit.Epsilon)
	assert.Equal(t, 1.5, cfg.Bandit.RegenGap)
	assert.Equal(t, 7, cfg.Bandit.MinTrials)
	assert.Equal(t, 250, cfg.Server.RequestDeadlineMS)
	assert.Equal(t, "test-llm-key", cfg.LLM.APIKey)
	assert.True(t, cfg.LLM.Enabled)
	assert.Equal(t, "127.0.0.1:6390", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
}
