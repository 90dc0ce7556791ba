package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
server:
  addr: ":9090"
redis:
  addr: "redis:6379"
  db: 3
database:
  host: "db"
  port: 5432
  name: "quotes"
  user: "proxy"
  password: "${TEST_DB_PASSWORD}"
upstream:
  api_key: "a1b2c3d4-e5f6-7890-abcd-ef1234567890"
  credit_budget: 10000
cache:
  merge_window: 5s
  top_n: 250
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")

	cfg, err := Load(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Password != "s3cret" {
		t.Errorf("Expected expanded password, got %q", cfg.Database.Password)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Expected addr :9090, got %q", cfg.Server.Addr)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("Expected redis db 3, got %d", cfg.Redis.DB)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := LoadWithDefaults(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Explicit values survive
	if cfg.Cache.MergeWindow != 5*time.Second {
		t.Errorf("Expected merge window 5s, got %v", cfg.Cache.MergeWindow)
	}
	if cfg.Cache.TopN != 250 {
		t.Errorf("Expected top_n 250, got %d", cfg.Cache.TopN)
	}

	// Omitted values get defaults
	if cfg.Upstream.Timeout != 20*time.Second {
		t.Errorf("Expected default upstream timeout, got %v", cfg.Upstream.Timeout)
	}
	if cfg.Batch.ChunkSize != 100 {
		t.Errorf("Expected default chunk size, got %d", cfg.Batch.ChunkSize)
	}
	if cfg.Scheduler.PendingDrainSpec != "@every 3s" {
		t.Errorf("Expected default drain spec, got %q", cfg.Scheduler.PendingDrainSpec)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level, got %q", cfg.Logging.Level)
	}
}

func TestLoadAndValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", sampleConfig, false},
		{"missing api key", `
database:
  host: "db"
  name: "quotes"
  user: "proxy"
`, true},
		{"missing database host", `
upstream:
  api_key: "a1b2c3d4-e5f6-7890-abcd-ef1234567890"
database:
  name: "quotes"
  user: "proxy"
`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAndValidate(writeTempConfig(t, tt.content))
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadAndValidate error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}
