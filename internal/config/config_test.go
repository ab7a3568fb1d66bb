package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Engine.Endpoint != "http://localhost:50021" {
		t.Fatalf("unexpected engine endpoint %q", cfg.Engine.Endpoint)
	}
	if cfg.Synthesis.MaxAttempts != 5 || cfg.Synthesis.BaseDelayMS != 2000 {
		t.Fatalf("unexpected retry defaults %+v", cfg.Synthesis)
	}
	if cfg.Synthesis.DefaultStyleID != "3" {
		t.Fatalf("unexpected default style %q", cfg.Synthesis.DefaultStyleID)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_VOICEBOT_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_VOICEBOT_BUS_USERNAME", "alice")
	t.Setenv("LOQA_VOICEBOT_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_VOICEBOT_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_VOICEBOT_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_VOICEBOT_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_VOICEBOT_EVENT_STORE_MAX_GUILDS", "123")
	t.Setenv("LOQA_VOICEBOT_ENGINE_ENDPOINT", "http://engine:50021")
	t.Setenv("LOQA_VOICEBOT_ENGINE_CANCELLABLE", "false")
	t.Setenv("LOQA_VOICEBOT_SYNTHESIS_MAX_ATTEMPTS", "3")
	t.Setenv("LOQA_VOICEBOT_SYNTHESIS_MAX_PENDING", "10")
	t.Setenv("LOQA_VOICEBOT_CACHE_ENABLED", "true")
	t.Setenv("LOQA_VOICEBOT_DISCORD_ENABLED", "true")
	t.Setenv("LOQA_VOICEBOT_DISCORD_TOKEN", "tok")
	t.Setenv("LOQA_VOICEBOT_PLAYBACK_MODE", "discord")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" || !cfg.Bus.TLSInsecure {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxGuilds != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Engine.Endpoint != "http://engine:50021" || cfg.Engine.Cancellable {
		t.Fatalf("expected engine overrides, got %+v", cfg.Engine)
	}
	if cfg.Synthesis.MaxAttempts != 3 || cfg.Synthesis.MaxPending != 10 {
		t.Fatalf("expected synthesis overrides, got %+v", cfg.Synthesis)
	}
	if !cfg.Cache.Enabled || cfg.Playback.Mode != "discord" || cfg.Discord.Token != "tok" {
		t.Fatal("expected cache, playback and discord overrides")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicebot.yaml")
	data := []byte(`
runtime_name: test-bot
engine:
  endpoint: http://voicevox:50021
  timeout_ms: 5000
synthesis:
  max_attempts: 2
  default_style_id: "8"
playback:
  mode: speaker
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "test-bot" || cfg.Engine.TimeoutMS != 5000 || cfg.Synthesis.DefaultStyleID != "8" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Synthesis.BaseDelayMS != 2000 {
		t.Fatal("expected unset fields to keep defaults")
	}
	if cfg.Playback.Mode != "speaker" {
		t.Fatalf("unexpected playback mode %q", cfg.Playback.Mode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero attempts":      func(c *Config) { c.Synthesis.MaxAttempts = 0 },
		"negative pending":   func(c *Config) { c.Synthesis.MaxPending = -1 },
		"empty endpoint":     func(c *Config) { c.Engine.Endpoint = "" },
		"bad playback mode":  func(c *Config) { c.Playback.Mode = "vinyl" },
		"discord no token":   func(c *Config) { c.Discord.Enabled = true },
		"discord mode alone": func(c *Config) { c.Playback.Mode = "discord" },
		"cache no addr":      func(c *Config) { c.Cache.Enabled = true; c.Cache.Addr = "" },
		"bad log level":      func(c *Config) { c.Telemetry.LogLevel = "loud" },
		"bad retention":      func(c *Config) { c.EventStore.RetentionMode = "forever" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
