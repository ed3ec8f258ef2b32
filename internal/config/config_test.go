package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: Config{
				Server: ServerConfig{Port: 8080, DataDir: "./data"},
			},
			wantErr: false,
		},
		{
			name: "port zero",
			config: Config{
				Server: ServerConfig{Port: 0, DataDir: "./data"},
			},
			wantErr: true,
			errMsg:  "server.port must be between 1 and 65535",
		},
		{
			name: "port out of range",
			config: Config{
				Server: ServerConfig{Port: 70000, DataDir: "./data"},
			},
			wantErr: true,
			errMsg:  "server.port must be between 1 and 65535",
		},
		{
			name: "missing data dir",
			config: Config{
				Server: ServerConfig{Port: 8080, DataDir: ""},
			},
			wantErr: true,
			errMsg:  "server.data_dir is required",
		},
		{
			name: "negative connection limit",
			config: Config{
				Server:   ServerConfig{Port: 8080, DataDir: "./data"},
				Security: SecurityConfig{ConnectionLimit: -1},
			},
			wantErr: true,
			errMsg:  "security.connection_limit must be >= 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got nil")
				} else if tt.errMsg != "" && err.Error() != tt.errMsg {
					t.Errorf("error = %q, want %q", err.Error(), tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfigStructs(t *testing.T) {
	server := ServerConfig{
		Port:            8080,
		AdminKey:        "secret",
		DataDir:         "./data",
		UpstreamTimeout: 60 * time.Second,
		CORSOrigins:     []string{"*"},
		StatsCache:      5 * time.Second,
	}
	if server.Port != 8080 {
		t.Errorf("ServerConfig.Port = %d, want 8080", server.Port)
	}

	redis := RedisConfig{Enabled: true, URL: "localhost:6379", DB: 1, ListKey: "logs", MaxLen: 200}
	if redis.DB != 1 {
		t.Errorf("RedisConfig.DB = %d, want 1", redis.DB)
	}

	security := SecurityConfig{
		RateLimitEnabled: true,
		ConnectionLimit:  60,
		ConnectionGrace:  30 * time.Second,
		LimitJump:        1,
		BanningEnabled:   true,
		BanTimeout:       30 * time.Minute,
		MalformedLimit:   10,
		ResetInterval:    time.Minute,
	}
	if security.ConnectionLimit != 60 {
		t.Errorf("SecurityConfig.ConnectionLimit = %d, want 60", security.ConnectionLimit)
	}

	webhook := WebhookConfig{Enabled: true, DiscordURL: "https://discord.com/api/webhooks/..."}
	if !webhook.Enabled {
		t.Error("WebhookConfig.Enabled should be true")
	}

	newrelic := NewRelicConfig{Enabled: true, AppName: "llmproxy", LicenseKey: "key"}
	if newrelic.AppName != "llmproxy" {
		t.Errorf("NewRelicConfig.AppName = %s, want llmproxy", newrelic.AppName)
	}

	profiling := ProfilingConfig{Enabled: true, Bind: "127.0.0.1:6060"}
	if !profiling.Enabled {
		t.Error("ProfilingConfig.Enabled should be true")
	}

	log := LogConfig{Level: "debug", Format: "json", File: "/var/log/llmproxy.log"}
	if log.Level != "debug" {
		t.Errorf("LogConfig.Level = %s, want debug", log.Level)
	}
}

func TestLoadWithTempConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  admin_key: "topsecret"
  data_dir: "./data"

redis:
  enabled: true
  url: "localhost:6379"

security:
  connection_limit: 30

log:
  level: "debug"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.AdminKey != "topsecret" {
		t.Errorf("Server.AdminKey = %s, want topsecret", cfg.Server.AdminKey)
	}
	if !cfg.Redis.Enabled {
		t.Error("Redis.Enabled should be true")
	}
	if cfg.Security.ConnectionLimit != 30 {
		t.Errorf("Security.ConnectionLimit = %d, want 30", cfg.Security.ConnectionLimit)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  data_dir: ./data\n"), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if !cfg.Security.RateLimitEnabled {
		t.Error("default Security.RateLimitEnabled should be true")
	}
	if cfg.Security.ConnectionLimit != 60 {
		t.Errorf("default Security.ConnectionLimit = %d, want 60", cfg.Security.ConnectionLimit)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 0
  data_dir: "./data"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() should return error for invalid config")
	}
}

func TestLoadNonexistentConfig(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should return error for non-existent config")
	}
}
