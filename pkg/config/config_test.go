package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// TestDefaultConfig_Valid verifies the shipped defaults pass validation
func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

// TestDefaultConfig_RetrievalWeights verifies the default scoring weights
func TestDefaultConfig_RetrievalWeights(t *testing.T) {
	w := DefaultConfig().Retrieval.Weights

	if w.Recency != 0.3 || w.Confidence != 0.4 || w.Access != 0.2 || w.Similarity != 0.1 {
		t.Errorf("unexpected default weights %+v", w)
	}
}

// TestDefaultConfig_Retrieval verifies retrieval limits
func TestDefaultConfig_Retrieval(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Retrieval.MaxMemories != 5 {
		t.Errorf("MaxMemories = %d, want 5", cfg.Retrieval.MaxMemories)
	}
	if cfg.Retrieval.TypeCap != 2 {
		t.Errorf("TypeCap = %d, want 2", cfg.Retrieval.TypeCap)
	}
	if cfg.Retrieval.RecencyFloor <= 0 {
		t.Error("RecencyFloor should be positive")
	}
}

// TestDefaultConfig_Gateway verifies gateway defaults
func TestDefaultConfig_Gateway(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Gateway.Host != "0.0.0.0" {
		t.Error("Gateway host should have default value")
	}
	if cfg.Gateway.Port == 0 {
		t.Error("Gateway port should have default value")
	}
	if got := cfg.GatewayAddr(); got != "0.0.0.0:8000" {
		t.Errorf("GatewayAddr() = %q", got)
	}
}

// TestDefaultConfig_Providers verifies provider defaults work offline
func TestDefaultConfig_Providers(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Responder.Provider != "template" {
		t.Errorf("Responder.Provider = %q, want template", cfg.Responder.Provider)
	}
	if cfg.Responder.APIKey != "" {
		t.Error("responder API key should be empty by default")
	}
	if cfg.Embedding.Provider != "chargram" {
		t.Errorf("Embedding.Provider = %q, want chargram", cfg.Embedding.Provider)
	}
}

// TestDefaultConfig_Channels verifies Discord config defaults
func TestDefaultConfig_Channels(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Channels.Discord.Enabled {
		t.Error("Discord should be disabled by default")
	}
	if cfg.Channels.Discord.Token != "" {
		t.Error("Discord token should be empty by default")
	}
}

func TestDefaultConfig_PathsExpandHome(t *testing.T) {
	cfg := DefaultConfig()

	if strings.HasPrefix(cfg.DBPath(), "~") {
		t.Errorf("DBPath() was not expanded: %q", cfg.DBPath())
	}
	if strings.HasPrefix(cfg.IndexDir(), "~") {
		t.Errorf("IndexDir() was not expanded: %q", cfg.IndexDir())
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Retrieval.MaxMemories = 9
	cfg.Channels.Discord.AllowFrom = FlexibleStringSlice{"42"}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Retrieval.MaxMemories != 9 {
		t.Errorf("MaxMemories = %d, want 9", loaded.Retrieval.MaxMemories)
	}
	if len(loaded.Channels.Discord.AllowFrom) != 1 || loaded.Channels.Discord.AllowFrom[0] != "42" {
		t.Errorf("AllowFrom = %v", loaded.Channels.Discord.AllowFrom)
	}
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"gateway":{"port":9100}}`), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Gateway.Port)
	}
	if cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("Host = %q, default should survive", cfg.Gateway.Host)
	}
	if cfg.Retrieval.Weights.Confidence != 0.4 {
		t.Errorf("weights should keep defaults, got %+v", cfg.Retrieval.Weights)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"gateway":`), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("DOTMEMORY_RESPONDER_MODEL", "env/model")
	t.Setenv("DOTMEMORY_RETRIEVAL_WEIGHTS_SIMILARITY", "0.25")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Responder.Model; got != "env/model" {
		t.Fatalf("expected env override model, got %q", got)
	}
	if got := cfg.Retrieval.Weights.Similarity; got != 0.25 {
		t.Fatalf("expected env override weight, got %v", got)
	}
}

func TestLoadConfig_CandidatePoolFromEnv(t *testing.T) {
	t.Setenv("DOTMEMORY_RETRIEVAL_RECENT_WINDOW", "120")
	t.Setenv("DOTMEMORY_RETRIEVAL_CRITICAL_CONFIDENCE", "0.9")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing-config.json"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Retrieval.RecentWindow != 120 {
		t.Errorf("RecentWindow = %d, want 120", cfg.Retrieval.RecentWindow)
	}
	if cfg.Retrieval.CriticalConfidence != 0.9 {
		t.Errorf("CriticalConfidence = %v, want 0.9", cfg.Retrieval.CriticalConfidence)
	}

	cfg.Retrieval.CriticalConfidence = 1.5
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "critical_confidence") {
		t.Fatalf("expected critical_confidence error, got %v", err)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"embedding":{"provider":"hash"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOTMEMORY_EMBEDDING_PROVIDER", "ollama")
	t.Setenv("DOTMEMORY_CHANNELS_DISCORD_ALLOW_FROM", "1,2")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Embedding.Provider; got != "ollama" {
		t.Errorf("expected provider ollama, got %q", got)
	}
	if got := cfg.Channels.Discord.AllowFrom; len(got) != 2 {
		t.Errorf("expected two allow_from entries, got %v", got)
	}
}

func TestFlexibleStringSlice_MixedTypes(t *testing.T) {
	var f FlexibleStringSlice
	if err := json.Unmarshal([]byte(`["abc", 123456789012, true]`), &f); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	want := []string{"abc", "123456789012", "true"}
	if len(f) != len(want) {
		t.Fatalf("got %v, want %v", f, want)
	}
	for i := range want {
		if f[i] != want[i] {
			t.Errorf("f[%d] = %q, want %q", i, f[i], want[i])
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"weights sum", func(c *Config) { c.Retrieval.Weights.Recency = 0.5 }, "sum to 1"},
		{"negative weight", func(c *Config) {
			c.Retrieval.Weights.Recency = -0.1
			c.Retrieval.Weights.Confidence = 0.8
		}, "non-negative"},
		{"type cap", func(c *Config) { c.Retrieval.TypeCap = 0 }, "type_cap"},
		{"embedding timeout", func(c *Config) { c.Embedding.TimeoutMS = 0 }, "embedding.timeout_ms"},
		{"responder timeout", func(c *Config) { c.Responder.TimeoutMS = -1 }, "responder.timeout_ms"},
		{"min confidence", func(c *Config) { c.Extraction.MinConfidence = 1.5 }, "min_confidence"},
		{"cron", func(c *Config) { c.Maintenance.Schedule = "every day" }, "maintenance.schedule"},
		{"discord token", func(c *Config) { c.Channels.Discord.Enabled = true }, "discord.token"},
		{"port", func(c *Config) { c.Gateway.Port = 70000 }, "gateway.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_DisabledScheduleIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Maintenance.Enabled = false
	cfg.Maintenance.Schedule = "nonsense"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled maintenance should not validate its schedule: %v", err)
	}
}
