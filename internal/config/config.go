package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Engine      EngineConfig     `yaml:"engine"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Cache       CacheConfig      `yaml:"cache"`
	Discord     DiscordConfig    `yaml:"discord"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxGuilds     int    `yaml:"max_guilds"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// EngineConfig points at the VOICEVOX-compatible synthesis engine.
type EngineConfig struct {
	Endpoint        string `yaml:"endpoint"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	Cancellable     bool   `yaml:"cancellable"`
	SpeakersTTLSecs int    `yaml:"speakers_ttl_seconds"`
}

type SynthesisConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	BaseDelayMS    int    `yaml:"base_delay_ms"`
	MaxPending     int    `yaml:"max_pending"`
	MaxTextRunes   int    `yaml:"max_text_runes"`
	DefaultStyleID string `yaml:"default_style_id"`
}

type PlaybackConfig struct {
	Mode           string `yaml:"mode"` // discord, speaker, discard
	EncoderCommand string `yaml:"encoder_command"`
	MaxTracks      int    `yaml:"max_tracks"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
}

type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TTLSeconds int    `yaml:"ttl_seconds"`
	MaxBytes   int    `yaml:"max_bytes"`
}

type DiscordConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Token         string `yaml:"token"`
	CommandPrefix string `yaml:"command_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voicebot",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "0.0.0.0",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicebot-events.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxGuilds:     1000,
		},
		Engine: EngineConfig{
			Endpoint:        "http://localhost:50021",
			TimeoutMS:       30000,
			Cancellable:     true,
			SpeakersTTLSecs: 600,
		},
		Synthesis: SynthesisConfig{
			MaxAttempts:    5,
			BaseDelayMS:    2000,
			MaxPending:     0,
			MaxTextRunes:   200,
			DefaultStyleID: "3",
		},
		Playback: PlaybackConfig{
			Mode:           "discard",
			EncoderCommand: "sh -c 'ffmpeg -hide_banner -loglevel error -i pipe:0 -f s16le -ar 48000 -ac 2 pipe:1 | dca'",
			MaxTracks:      64,
			SampleRate:     24000,
			Channels:       1,
		},
		Cache: CacheConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			TTLSeconds: 86400,
			MaxBytes:   4 << 20,
		},
		Discord: DiscordConfig{
			Enabled:       false,
			CommandPrefix: "!",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_VOICEBOT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_VOICEBOT_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_VOICEBOT_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_VOICEBOT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_VOICEBOT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_VOICEBOT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_VOICEBOT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_VOICEBOT_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_VOICEBOT_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_VOICEBOT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_VOICEBOT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_VOICEBOT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_VOICEBOT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_VOICEBOT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_VOICEBOT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_VOICEBOT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_VOICEBOT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_VOICEBOT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_VOICEBOT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_VOICEBOT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_VOICEBOT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_VOICEBOT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxGuilds, "LOQA_VOICEBOT_EVENT_STORE_MAX_GUILDS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_VOICEBOT_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Engine.Endpoint, "LOQA_VOICEBOT_ENGINE_ENDPOINT")
	overrideInt(&cfg.Engine.TimeoutMS, "LOQA_VOICEBOT_ENGINE_TIMEOUT_MS")
	overrideBool(&cfg.Engine.Cancellable, "LOQA_VOICEBOT_ENGINE_CANCELLABLE")
	overrideInt(&cfg.Engine.SpeakersTTLSecs, "LOQA_VOICEBOT_ENGINE_SPEAKERS_TTL_SECONDS")
	overrideInt(&cfg.Synthesis.MaxAttempts, "LOQA_VOICEBOT_SYNTHESIS_MAX_ATTEMPTS")
	overrideInt(&cfg.Synthesis.BaseDelayMS, "LOQA_VOICEBOT_SYNTHESIS_BASE_DELAY_MS")
	overrideInt(&cfg.Synthesis.MaxPending, "LOQA_VOICEBOT_SYNTHESIS_MAX_PENDING")
	overrideInt(&cfg.Synthesis.MaxTextRunes, "LOQA_VOICEBOT_SYNTHESIS_MAX_TEXT_RUNES")
	overrideString(&cfg.Synthesis.DefaultStyleID, "LOQA_VOICEBOT_SYNTHESIS_DEFAULT_STYLE_ID")
	overrideString(&cfg.Playback.Mode, "LOQA_VOICEBOT_PLAYBACK_MODE")
	overrideString(&cfg.Playback.EncoderCommand, "LOQA_VOICEBOT_PLAYBACK_ENCODER_COMMAND")
	overrideInt(&cfg.Playback.MaxTracks, "LOQA_VOICEBOT_PLAYBACK_MAX_TRACKS")
	overrideInt(&cfg.Playback.SampleRate, "LOQA_VOICEBOT_PLAYBACK_SAMPLE_RATE")
	overrideInt(&cfg.Playback.Channels, "LOQA_VOICEBOT_PLAYBACK_CHANNELS")
	overrideBool(&cfg.Cache.Enabled, "LOQA_VOICEBOT_CACHE_ENABLED")
	overrideString(&cfg.Cache.Addr, "LOQA_VOICEBOT_CACHE_ADDR")
	overrideString(&cfg.Cache.Password, "LOQA_VOICEBOT_CACHE_PASSWORD")
	overrideInt(&cfg.Cache.DB, "LOQA_VOICEBOT_CACHE_DB")
	overrideInt(&cfg.Cache.TTLSeconds, "LOQA_VOICEBOT_CACHE_TTL_SECONDS")
	overrideInt(&cfg.Cache.MaxBytes, "LOQA_VOICEBOT_CACHE_MAX_BYTES")
	overrideBool(&cfg.Discord.Enabled, "LOQA_VOICEBOT_DISCORD_ENABLED")
	overrideString(&cfg.Discord.Token, "LOQA_VOICEBOT_DISCORD_TOKEN")
	overrideString(&cfg.Discord.CommandPrefix, "LOQA_VOICEBOT_DISCORD_COMMAND_PREFIX")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// Validate checks a config built outside Load.
func Validate(cfg Config) error { return validate(cfg) }

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Engine.Endpoint == "" {
		return errors.New("engine.endpoint must not be empty")
	}
	if cfg.Engine.TimeoutMS <= 0 {
		return errors.New("engine.timeout_ms must be positive")
	}
	if cfg.Synthesis.MaxAttempts <= 0 {
		return errors.New("synthesis.max_attempts must be >= 1")
	}
	if cfg.Synthesis.BaseDelayMS < 0 {
		return errors.New("synthesis.base_delay_ms must be >= 0")
	}
	if cfg.Synthesis.MaxPending < 0 {
		return errors.New("synthesis.max_pending must be >= 0")
	}
	if cfg.Synthesis.DefaultStyleID == "" {
		return errors.New("synthesis.default_style_id must not be empty")
	}
	switch cfg.Playback.Mode {
	case "discord", "speaker", "discard":
	default:
		return errors.New("playback.mode must be one of discord|speaker|discard")
	}
	if cfg.Playback.Mode == "speaker" {
		if cfg.Playback.SampleRate <= 0 {
			return errors.New("playback.sample_rate must be positive when mode=speaker")
		}
		if cfg.Playback.Channels != 1 && cfg.Playback.Channels != 2 {
			return errors.New("playback.channels must be 1 or 2 when mode=speaker")
		}
	}
	if cfg.Playback.MaxTracks < 0 {
		return errors.New("playback.max_tracks must be >= 0")
	}
	if cfg.Playback.Mode == "discord" {
		if cfg.Playback.EncoderCommand == "" {
			return errors.New("playback.encoder_command must be set when mode=discord")
		}
		if !cfg.Discord.Enabled {
			return errors.New("discord must be enabled when playback.mode=discord")
		}
	}
	if cfg.Cache.Enabled && cfg.Cache.Addr == "" {
		return errors.New("cache.addr must be set when the cache is enabled")
	}
	if cfg.Discord.Enabled {
		if cfg.Discord.Token == "" {
			return errors.New("discord.token must be set when discord is enabled")
		}
		if cfg.Discord.CommandPrefix == "" {
			return errors.New("discord.command_prefix must not be empty")
		}
	}
	return nil
}
