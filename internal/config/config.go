package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind         string `yaml:"bind"`
	Port         int    `yaml:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Store        StoreConfig        `yaml:"store"`
	STT          STTConfig          `yaml:"stt"`
	Summarizer   SummarizerConfig   `yaml:"summarizer"`
	LLM          LLMConfig          `yaml:"llm"`
}

type BusConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Embedded         bool     `yaml:"embedded"`
	Port             int      `yaml:"port"`
	StoreDir         string   `yaml:"store_dir"`
	Servers          []string `yaml:"servers"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	Token            string   `yaml:"token"`
	TLSInsecure      bool     `yaml:"tls_insecure"`
	ConnectTimeout   int      `yaml:"connect_timeout_ms"`
	StreamMaxAgeMins int      `yaml:"stream_max_age_minutes"`
}

type IngestConfig struct {
	DataDir          string   `yaml:"data_dir"`
	MaxBytes         int64    `yaml:"max_bytes"`
	AllowedMimeTypes []string `yaml:"allowed_mime_types"`
	SniffContent     bool     `yaml:"sniff_content"`
}

type OrchestratorConfig struct {
	MaxConcurrentJobs    int     `yaml:"max_concurrent_jobs"`
	MaxAttempts          int     `yaml:"max_attempts"`
	BackoffInitialMS     int     `yaml:"backoff_initial_ms"`
	BackoffMaxMS         int     `yaml:"backoff_max_ms"`
	BackoffMultiplier    float64 `yaml:"backoff_multiplier"`
	AttemptTimeoutMS     int     `yaml:"attempt_timeout_ms"`
	PostprocessTimeoutMS int     `yaml:"postprocess_timeout_ms"`
	PipelineTimeoutMS    int     `yaml:"pipeline_timeout_ms"`
}

type StoreConfig struct {
	Path             string `yaml:"path"`
	RetentionMinutes int    `yaml:"retention_minutes"`
	PruneSchedule    string `yaml:"prune_schedule"`
	VacuumOnStart    bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode             string  `yaml:"mode"` // mock, exec, openai
	Command          string  `yaml:"command"`
	ModelPath        string  `yaml:"model_path"`
	Language         string  `yaml:"language"`
	Endpoint         string  `yaml:"endpoint"`
	APIKey           string  `yaml:"api_key"`
	Model            string  `yaml:"model"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	MinSilenceMS     int     `yaml:"min_silence_ms"`
	MinSpeechMS      int     `yaml:"min_speech_ms"`
	MaxSegmentMS     int     `yaml:"max_segment_ms"`
}

type SummarizerConfig struct {
	Mode                string `yaml:"mode"` // extractive, llm
	MaxSummarySentences int    `yaml:"max_summary_sentences"`
	MaxHighlights       int    `yaml:"max_highlights"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

func Default() Config {
	return Config{
		RuntimeName: "whisperlens",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:         "0.0.0.0",
			Port:         8080,
			MaxBodyBytes: 64 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:          true,
			Embedded:         true,
			Port:             4222,
			StoreDir:         "./data/nats",
			Servers:          []string{"nats://localhost:4222"},
			ConnectTimeout:   2000,
			StreamMaxAgeMins: 60,
		},
		Ingest: IngestConfig{
			DataDir:  "./data",
			MaxBytes: 50 << 20,
			AllowedMimeTypes: []string{
				"audio/wav",
				"audio/mpeg",
				"audio/mp4",
				"audio/ogg",
				"audio/webm",
				"audio/flac",
			},
			SniffContent: true,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentJobs:    4,
			MaxAttempts:          3,
			BackoffInitialMS:     500,
			BackoffMaxMS:         10000,
			BackoffMultiplier:    2,
			AttemptTimeoutMS:     120000,
			PostprocessTimeoutMS: 60000,
			PipelineTimeoutMS:    600000,
		},
		Store: StoreConfig{
			Path:             "./data/whisperlens.db",
			RetentionMinutes: 1440,
			PruneSchedule:    "@every 1m",
		},
		STT: STTConfig{
			Mode:             "mock",
			Language:         "en",
			Endpoint:         "https://api.openai.com/v1",
			Model:            "whisper-1",
			SilenceThreshold: 0.01,
			MinSilenceMS:     300,
			MinSpeechMS:      100,
			MaxSegmentMS:     15000,
		},
		Summarizer: SummarizerConfig{
			Mode:                "extractive",
			MaxSummarySentences: 5,
			MaxHighlights:       4,
		},
		LLM: LLMConfig{
			Mode:      "mock",
			Endpoint:  "http://localhost:11434",
			Model:     "llama3.2:latest",
			MaxTokens: 256,
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
	overrideString(&cfg.RuntimeName, "WHISPERLENS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "WHISPERLENS_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "WHISPERLENS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "WHISPERLENS_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "WHISPERLENS_HTTP_MAX_BODY_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "WHISPERLENS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "WHISPERLENS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "WHISPERLENS_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "WHISPERLENS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "WHISPERLENS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "WHISPERLENS_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "WHISPERLENS_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "WHISPERLENS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "WHISPERLENS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "WHISPERLENS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "WHISPERLENS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "WHISPERLENS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "WHISPERLENS_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.StreamMaxAgeMins, "WHISPERLENS_BUS_STREAM_MAX_AGE_MINUTES")
	overrideString(&cfg.Ingest.DataDir, "WHISPERLENS_INGEST_DATA_DIR")
	overrideInt64(&cfg.Ingest.MaxBytes, "WHISPERLENS_INGEST_MAX_BYTES")
	overrideStringSlice(&cfg.Ingest.AllowedMimeTypes, "WHISPERLENS_INGEST_ALLOWED_MIME_TYPES")
	overrideBool(&cfg.Ingest.SniffContent, "WHISPERLENS_INGEST_SNIFF_CONTENT")
	overrideInt(&cfg.Orchestrator.MaxConcurrentJobs, "WHISPERLENS_ORCHESTRATOR_MAX_CONCURRENT_JOBS")
	overrideInt(&cfg.Orchestrator.MaxAttempts, "WHISPERLENS_ORCHESTRATOR_MAX_ATTEMPTS")
	overrideInt(&cfg.Orchestrator.BackoffInitialMS, "WHISPERLENS_ORCHESTRATOR_BACKOFF_INITIAL_MS")
	overrideInt(&cfg.Orchestrator.BackoffMaxMS, "WHISPERLENS_ORCHESTRATOR_BACKOFF_MAX_MS")
	overrideFloat(&cfg.Orchestrator.BackoffMultiplier, "WHISPERLENS_ORCHESTRATOR_BACKOFF_MULTIPLIER")
	overrideInt(&cfg.Orchestrator.AttemptTimeoutMS, "WHISPERLENS_ORCHESTRATOR_ATTEMPT_TIMEOUT_MS")
	overrideInt(&cfg.Orchestrator.PostprocessTimeoutMS, "WHISPERLENS_ORCHESTRATOR_POSTPROCESS_TIMEOUT_MS")
	overrideInt(&cfg.Orchestrator.PipelineTimeoutMS, "WHISPERLENS_ORCHESTRATOR_PIPELINE_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "WHISPERLENS_STORE_PATH")
	overrideInt(&cfg.Store.RetentionMinutes, "WHISPERLENS_STORE_RETENTION_MINUTES")
	overrideString(&cfg.Store.PruneSchedule, "WHISPERLENS_STORE_PRUNE_SCHEDULE")
	overrideBool(&cfg.Store.VacuumOnStart, "WHISPERLENS_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "WHISPERLENS_STT_MODE")
	overrideString(&cfg.STT.Command, "WHISPERLENS_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "WHISPERLENS_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "WHISPERLENS_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "WHISPERLENS_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "WHISPERLENS_STT_API_KEY")
	overrideString(&cfg.STT.Model, "WHISPERLENS_STT_MODEL")
	overrideFloat(&cfg.STT.SilenceThreshold, "WHISPERLENS_STT_SILENCE_THRESHOLD")
	overrideInt(&cfg.STT.MinSilenceMS, "WHISPERLENS_STT_MIN_SILENCE_MS")
	overrideInt(&cfg.STT.MinSpeechMS, "WHISPERLENS_STT_MIN_SPEECH_MS")
	overrideInt(&cfg.STT.MaxSegmentMS, "WHISPERLENS_STT_MAX_SEGMENT_MS")
	overrideString(&cfg.Summarizer.Mode, "WHISPERLENS_SUMMARIZER_MODE")
	overrideInt(&cfg.Summarizer.MaxSummarySentences, "WHISPERLENS_SUMMARIZER_MAX_SUMMARY_SENTENCES")
	overrideInt(&cfg.Summarizer.MaxHighlights, "WHISPERLENS_SUMMARIZER_MAX_HIGHLIGHTS")
	overrideString(&cfg.LLM.Mode, "WHISPERLENS_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "WHISPERLENS_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "WHISPERLENS_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "WHISPERLENS_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "WHISPERLENS_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "WHISPERLENS_LLM_TEMPERATURE")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxBodyBytes < cfg.Ingest.MaxBytes {
		return errors.New("http.max_body_bytes must be >= ingest.max_bytes")
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
			if cfg.Bus.StoreDir == "" {
				return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Ingest.DataDir == "" {
		return errors.New("ingest.data_dir must not be empty")
	}
	if cfg.Ingest.MaxBytes <= 0 {
		return errors.New("ingest.max_bytes must be positive")
	}
	if len(cfg.Ingest.AllowedMimeTypes) == 0 {
		return errors.New("ingest.allowed_mime_types must not be empty")
	}
	o := cfg.Orchestrator
	if o.MaxConcurrentJobs <= 0 {
		return errors.New("orchestrator.max_concurrent_jobs must be >= 1")
	}
	if o.MaxAttempts <= 0 {
		return errors.New("orchestrator.max_attempts must be >= 1")
	}
	if o.BackoffInitialMS <= 0 || o.BackoffMaxMS < o.BackoffInitialMS {
		return errors.New("orchestrator.backoff_initial_ms must be positive and <= backoff_max_ms")
	}
	if o.BackoffMultiplier < 1 {
		return errors.New("orchestrator.backoff_multiplier must be >= 1")
	}
	if o.AttemptTimeoutMS <= 0 || o.PostprocessTimeoutMS <= 0 {
		return errors.New("orchestrator stage timeouts must be positive")
	}
	if o.PipelineTimeoutMS < o.AttemptTimeoutMS {
		return errors.New("orchestrator.pipeline_timeout_ms must be >= attempt_timeout_ms")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionMinutes < 0 {
		return errors.New("store.retention_minutes must be >= 0")
	}
	if _, err := cron.ParseStandard(cfg.Store.PruneSchedule); err != nil {
		return fmt.Errorf("store.prune_schedule is invalid: %w", err)
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "openai":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=openai")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|openai")
	}
	if cfg.STT.SilenceThreshold <= 0 || cfg.STT.SilenceThreshold >= 1 {
		return errors.New("stt.silence_threshold must be between 0 and 1")
	}
	switch cfg.Summarizer.Mode {
	case "extractive", "llm":
	default:
		return errors.New("summarizer.mode must be one of extractive|llm")
	}
	if cfg.Summarizer.MaxSummarySentences <= 0 {
		return errors.New("summarizer.max_summary_sentences must be >= 1")
	}
	if cfg.Summarizer.MaxHighlights < 0 {
		return errors.New("summarizer.max_highlights must be >= 0")
	}
	if cfg.Summarizer.Mode == "llm" {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	return nil
}
