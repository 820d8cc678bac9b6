package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/sessionlens/api/internal/attempt"
	"github.com/sessionlens/api/internal/audio"
	"github.com/sessionlens/api/internal/roles"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Store      StoreConfig
	Worker     WorkerConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	Completion CompletionConfig
	Speech     SpeechConfig
	Goals      GoalsConfig
	R2         R2Config
	Storage    StorageConfig
	Gateway    GatewayConfig
	Audio      audio.Config
	Roles      roles.Config
	Pipeline   PipelineConfig
	Analysis   AnalysisConfig
}

type ServerConfig struct {
	Port      string `validate:"required"`
	Env       string
	LogLevel  string `validate:"oneof=trace debug info warn warning error fatal"`
	LogFormat string `validate:"oneof=text json"`
	ApiDomain string
}

type RedisConfig struct {
	Addr     string `validate:"required"`
	Password string
	DB       int
}

// StoreConfig selects the session store engine.
type StoreConfig struct {
	Driver     string `validate:"oneof=redis sqlite memory"`
	SQLitePath string
}

type WorkerConfig struct {
	Concurrency int `validate:"min=1"`
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	UploadPerHour  int
	AnalyzePerHour int
}

// CompletionConfig points at an OpenAI-compatible chat completion API.
type CompletionConfig struct {
	APIKey      string
	BaseURL     string `validate:"required,url"`
	Model       string `validate:"required"`
	Temperature float64
	MaxTokens   int
}

// SpeechConfig points at the transcription and diarization services.
type SpeechConfig struct {
	TranscriptionURL string
	DiarizationURL   string
	APIKey           string
	Timeout          int // seconds
}

// GoalsConfig points at the optional treatment-goals collaborator.
type GoalsConfig struct {
	URL     string
	Timeout int // seconds
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
}

// StorageConfig is the local disk fallback used when R2 is not configured.
type StorageConfig struct {
	LocalDir string
}

type GatewayConfig struct {
	Enabled bool
}

// PipelineConfig bounds the processing stages and every external call.
type PipelineConfig struct {
	MaxAlignmentGap float64 `validate:"gt=0"`
	Retry           attempt.Policy
}

// AnalysisConfig tunes the analysis workers.
type AnalysisConfig struct {
	HistoryWindow             int `validate:"min=0,max=50"`
	SummaryMaxChars           int `validate:"min=20"`
	BreakthroughMinConfidence float64
	BreakthroughTypes         []string `validate:"min=1"`
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("COMPLETION_API_KEY")
	readSecret("SPEECH_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.log_format", "LOG_FORMAT")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("store.driver", "STORE_DRIVER")
	_ = viper.BindEnv("store.sqlite_path", "STORE_SQLITE_PATH")
	_ = viper.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("completion.api_key", "COMPLETION_API_KEY")
	_ = viper.BindEnv("completion.base_url", "COMPLETION_BASE_URL")
	_ = viper.BindEnv("completion.model", "COMPLETION_MODEL")
	_ = viper.BindEnv("speech.transcription_url", "TRANSCRIPTION_URL")
	_ = viper.BindEnv("speech.diarization_url", "DIARIZATION_URL")
	_ = viper.BindEnv("speech.api_key", "SPEECH_API_KEY")
	_ = viper.BindEnv("speech.timeout", "SPEECH_TIMEOUT")
	_ = viper.BindEnv("goals.url", "GOALS_URL")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("storage.local_dir", "STORAGE_LOCAL_DIR")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("pipeline.max_retries", "PIPELINE_MAX_RETRIES")
	_ = viper.BindEnv("pipeline.attempt_timeout", "PIPELINE_ATTEMPT_TIMEOUT")
	_ = viper.BindEnv("analysis.history_window", "ANALYSIS_HISTORY_WINDOW")

	setDefaults()

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			LogFormat: viper.GetString("server.log_format"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Driver:     viper.GetString("store.driver"),
			SQLitePath: viper.GetString("store.sqlite_path"),
		},
		Worker: WorkerConfig{
			Concurrency: viper.GetInt("worker.concurrency"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			UploadPerHour:  viper.GetInt("ratelimit.upload_per_hour"),
			AnalyzePerHour: viper.GetInt("ratelimit.analyze_per_hour"),
		},
		Completion: CompletionConfig{
			APIKey:      viper.GetString("completion.api_key"),
			BaseURL:     viper.GetString("completion.base_url"),
			Model:       viper.GetString("completion.model"),
			Temperature: viper.GetFloat64("completion.temperature"),
			MaxTokens:   viper.GetInt("completion.max_tokens"),
		},
		Speech: SpeechConfig{
			TranscriptionURL: viper.GetString("speech.transcription_url"),
			DiarizationURL:   viper.GetString("speech.diarization_url"),
			APIKey:           viper.GetString("speech.api_key"),
			Timeout:          viper.GetInt("speech.timeout"),
		},
		Goals: GoalsConfig{
			URL:     viper.GetString("goals.url"),
			Timeout: viper.GetInt("goals.timeout"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
		},
		Storage: StorageConfig{
			LocalDir: viper.GetString("storage.local_dir"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		Audio: audio.Config{
			SampleRate:         viper.GetInt("audio.sample_rate"),
			SilenceThresholdDB: viper.GetFloat64("audio.silence_threshold_db"),
			MinSilence:         viper.GetDuration("audio.min_silence"),
			TargetDB:           viper.GetFloat64("audio.target_db"),
			NormalizeFloorDB:   viper.GetFloat64("audio.normalize_floor_db"),
			CeilingDB:          viper.GetFloat64("audio.ceiling_db"),
			MinDuration:        viper.GetDuration("audio.min_duration"),
		},
		Roles: roles.Config{
			RatioMin: viper.GetFloat64("roles.ratio_min"),
			RatioMax: viper.GetFloat64("roles.ratio_max"),
		},
		Pipeline: PipelineConfig{
			MaxAlignmentGap: viper.GetFloat64("pipeline.max_alignment_gap"),
			Retry: attempt.Policy{
				MaxRetries: viper.GetInt("pipeline.max_retries"),
				BaseDelay:  viper.GetDuration("pipeline.base_backoff"),
				Timeout:    viper.GetDuration("pipeline.attempt_timeout"),
			},
		},
		Analysis: AnalysisConfig{
			HistoryWindow:             viper.GetInt("analysis.history_window"),
			SummaryMaxChars:           viper.GetInt("analysis.summary_max_chars"),
			BreakthroughMinConfidence: viper.GetFloat64("analysis.breakthrough_min_confidence"),
			BreakthroughTypes:         viper.GetStringSlice("analysis.breakthrough_types"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.log_format", "text")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("store.driver", "redis")
	viper.SetDefault("store.sqlite_path", "./data/sessions.db")
	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.upload_per_hour", 30)
	viper.SetDefault("ratelimit.analyze_per_hour", 60)

	// Completion defaults
	viper.SetDefault("completion.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("completion.model", "llama-3.3-70b-versatile")
	viper.SetDefault("completion.temperature", 0.2)
	viper.SetDefault("completion.max_tokens", 2048)

	// Speech service defaults
	viper.SetDefault("speech.transcription_url", "http://localhost:8081")
	viper.SetDefault("speech.diarization_url", "http://localhost:8082")
	viper.SetDefault("speech.timeout", 600)
	viper.SetDefault("goals.timeout", 10)
	viper.SetDefault("storage.local_dir", "./data/audio")

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	defaultAudio := audio.DefaultConfig()
	viper.SetDefault("audio.sample_rate", defaultAudio.SampleRate)
	viper.SetDefault("audio.silence_threshold_db", defaultAudio.SilenceThresholdDB)
	viper.SetDefault("audio.min_silence", defaultAudio.MinSilence)
	viper.SetDefault("audio.target_db", defaultAudio.TargetDB)
	viper.SetDefault("audio.normalize_floor_db", defaultAudio.NormalizeFloorDB)
	viper.SetDefault("audio.ceiling_db", defaultAudio.CeilingDB)
	viper.SetDefault("audio.min_duration", defaultAudio.MinDuration)

	defaultRoles := roles.DefaultConfig()
	viper.SetDefault("roles.ratio_min", defaultRoles.RatioMin)
	viper.SetDefault("roles.ratio_max", defaultRoles.RatioMax)

	viper.SetDefault("pipeline.max_alignment_gap", 5.0)
	viper.SetDefault("pipeline.max_retries", 3)
	viper.SetDefault("pipeline.base_backoff", 2*time.Second)
	viper.SetDefault("pipeline.attempt_timeout", 5*time.Minute)

	viper.SetDefault("analysis.history_window", 5)
	viper.SetDefault("analysis.summary_max_chars", 150)
	viper.SetDefault("analysis.breakthrough_min_confidence", 0.8)
	viper.SetDefault("analysis.breakthrough_types", []string{
		"cognitive_reframe",
		"emotional_release",
		"insight",
		"behavioral_commitment",
		"pattern_recognition",
		"self_compassion",
	})
}

// Validate checks the loaded configuration.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Pipeline.Retry.MaxRetries < 0 || cfg.Pipeline.Retry.BaseDelay <= 0 {
		return fmt.Errorf("invalid configuration: retry policy needs max_retries >= 0 and a positive base_backoff")
	}
	return nil
}

// R2Configured reports whether object storage credentials are present.
func (c *Config) R2Configured() bool {
	return c.R2.AccountID != "" && c.R2.AccessKeyID != "" && c.R2.SecretAccessKey != "" && c.R2.BucketName != ""
}
