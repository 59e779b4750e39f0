package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.Name != "taskmesh" {
		t.Errorf("expected app name 'taskmesh', got %s", cfg.App.Name)
	}
	if cfg.App.Environment != "development" {
		t.Errorf("expected environment 'development', got %s", cfg.App.Environment)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Queue.Type != "redis" {
		t.Errorf("expected queue type 'redis', got %s", cfg.Queue.Type)
	}
	if cfg.Router.RejectThreshold != 1000 {
		t.Errorf("expected reject_threshold 1000, got %d", cfg.Router.RejectThreshold)
	}
	if cfg.Recovery.IdleReclaim != 60*time.Second {
		t.Errorf("expected idle_reclaim 60s, got %v", cfg.Recovery.IdleReclaim)
	}
	if cfg.Recovery.MaxAttempts != 5 {
		t.Errorf("expected max_attempts 5, got %d", cfg.Recovery.MaxAttempts)
	}
	if cfg.Autoscaler.UpThreshold != 0.75 || cfg.Autoscaler.DownThreshold != 0.30 {
		t.Errorf("unexpected autoscaler thresholds: %v/%v",
			cfg.Autoscaler.UpThreshold, cfg.Autoscaler.DownThreshold)
	}
	if len(cfg.Sandbox.ImageAllowlist) != 0 {
		t.Error("expected empty image allowlist by default")
	}

	for _, cap := range []string{"reasoning", "codegen", "ml", "sandbox"} {
		p, ok := cfg.Pools[cap]
		if !ok {
			t.Fatalf("expected default pool for %s", cap)
		}
		if p.Grace != 2*time.Second {
			t.Errorf("pool %s: expected grace 2s, got %v", cap, p.Grace)
		}
		if p.MaxPreempts != 2 {
			t.Errorf("pool %s: expected max_preempts 2, got %d", cap, p.MaxPreempts)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing app name",
			mutate:  func(c *Config) { c.App.Name = "" },
			wantErr: true,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 99999 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
		},
		{
			name:    "invalid environment",
			mutate:  func(c *Config) { c.App.Environment = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid queue type",
			mutate:  func(c *Config) { c.Queue.Type = "kafka" },
			wantErr: true,
		},
		{
			name: "pool min above max",
			mutate: func(c *Config) {
				p := c.Pools["reasoning"]
				p.Min, p.Max, p.Initial = 10, 4, 10
				c.Pools["reasoning"] = p
			},
			wantErr: true,
		},
		{
			name: "pool initial outside bounds",
			mutate: func(c *Config) {
				p := c.Pools["codegen"]
				p.Initial = p.Max + 1
				c.Pools["codegen"] = p
			},
			wantErr: true,
		},
		{
			name: "autoscaler thresholds inverted",
			mutate: func(c *Config) {
				c.Autoscaler.UpThreshold = 0.2
				c.Autoscaler.DownThreshold = 0.8
			},
			wantErr: true,
		},
		{
			name: "invalid tenant priority",
			mutate: func(c *Config) {
				c.Router.Tenants = map[string]TenantConfig{
					"acme": {MaxPriority: "urgent"},
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "server.port", Message: "must be between 1 and 65535", Value: 99999},
		{Field: "log.level", Message: "must be one of [debug info warn error]", Value: "trace"},
	}

	errMsg := errs.Error()
	if errMsg == "" {
		t.Error("expected error message")
	}
	if errMsg == "no validation errors" {
		t.Error("expected error details")
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	s := cfg.String()
	if s == "" {
		t.Error("expected non-empty string representation")
	}
}

func TestLoader_Get(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil)

	if loader.Get("app.name") == nil {
		t.Error("expected non-nil value for app.name")
	}
	if str := loader.GetString("app.name"); str != "taskmesh" {
		t.Errorf("expected 'taskmesh', got '%s'", str)
	}
	if port := loader.GetInt("server.port"); port != 8080 {
		t.Errorf("expected 8080, got %d", port)
	}
	if !loader.GetBool("metrics.enabled") {
		t.Error("expected metrics.enabled to be true")
	}
}

func TestLoader_Set(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil)

	if err := loader.Set("app.name", "custom-app"); err != nil {
		t.Errorf("unexpected error setting value: %v", err)
	}
	if loader.GetString("app.name") != "custom-app" {
		t.Errorf("expected 'custom-app', got '%s'", loader.GetString("app.name"))
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoadOrDie_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for invalid config file")
		}
	}()

	LoadOrDie("/nonexistent/path/config.yaml", nil)
}

func TestLoader_LoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
app:
  name: yaml-test
  environment: production
server:
  port: 9999
log:
  level: debug
  format: text
queue:
  type: memory
router:
  reject_threshold: 500
  tenants:
    acme:
      max_priority: normal
      submit_rate: 10
      burst: 20
recovery:
  scan_interval: 5s
  idle_reclaim: 30s
  max_attempts: 3
sandbox:
  image_allowlist:
    - python:3.12-slim
  egress_allowlist:
    - pypi.org:443
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "yaml-test" {
		t.Errorf("expected 'yaml-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected 9999, got %d", cfg.Server.Port)
	}
	if cfg.Queue.Type != "memory" {
		t.Errorf("expected queue type 'memory', got '%s'", cfg.Queue.Type)
	}
	if cfg.Router.RejectThreshold != 500 {
		t.Errorf("expected reject_threshold 500, got %d", cfg.Router.RejectThreshold)
	}
	tenant, ok := cfg.Router.Tenants["acme"]
	if !ok {
		t.Fatal("expected tenant 'acme'")
	}
	if tenant.MaxPriority != "normal" {
		t.Errorf("expected tenant max_priority 'normal', got '%s'", tenant.MaxPriority)
	}
	if cfg.Recovery.IdleReclaim != 30*time.Second {
		t.Errorf("expected idle_reclaim 30s, got %v", cfg.Recovery.IdleReclaim)
	}
	if len(cfg.Sandbox.ImageAllowlist) != 1 || cfg.Sandbox.ImageAllowlist[0] != "python:3.12-slim" {
		t.Errorf("unexpected image allowlist: %v", cfg.Sandbox.ImageAllowlist)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	jsonContent := `{
		"app": {
			"name": "json-test",
			"environment": "staging"
		},
		"server": {
			"port": 8888
		},
		"log": {
			"level": "warn",
			"format": "json"
		}
	}`
	if err := os.WriteFile(configPath, []byte(jsonContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "json-test" {
		t.Errorf("expected 'json-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("expected 8888, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected 'warn', got '%s'", cfg.Log.Level)
	}
}

func TestLoader_LoadInvalidFile(t *testing.T) {
	loader := NewLoader()

	_, err := loader.Load("/nonexistent/config.yaml", nil)
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoader_LoadUnsupportedFormat(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	if err := os.WriteFile(configPath, []byte("app = 'test'"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	_, err := loader.Load(configPath, nil)
	if err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoader_EnvVars(t *testing.T) {
	t.Setenv("TASKMESH_APP_NAME", "env-test")
	t.Setenv("TASKMESH_SERVER_PORT", "7777")
	t.Setenv("TASKMESH_LOG_LEVEL", "error")

	loader := NewLoader()
	cfg, err := loader.Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "env-test" {
		t.Errorf("expected 'env-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("expected 7777, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("expected 'error', got '%s'", cfg.Log.Level)
	}
}

func TestLoader_Overrides(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Load("", map[string]interface{}{
		"server.port": 6000,
		"log.level":   "debug",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("expected override port 6000, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected override level 'debug', got '%s'", cfg.Log.Level)
	}
}

func TestServerConfig_Address(t *testing.T) {
	cfg := ServerConfig{Host: "127.0.0.1", Port: 9000}
	if cfg.Address() != "127.0.0.1:9000" {
		t.Errorf("unexpected address: %s", cfg.Address())
	}
}
