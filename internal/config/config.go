package config

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the result store and status tracker backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Dir         string `yaml:"dir" mapstructure:"dir"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key              string  `yaml:"key" mapstructure:"key"`
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	Model            string  `yaml:"model" mapstructure:"model"`
	MaxTokens        int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature      float64 `yaml:"temperature" mapstructure:"temperature"`
	PromptCache      bool    `yaml:"prompt_cache" mapstructure:"prompt_cache"`
	PromptCacheTTL   string  `yaml:"prompt_cache_ttl" mapstructure:"prompt_cache_ttl"`
	BatchPollSecs    int     `yaml:"batch_poll_secs" mapstructure:"batch_poll_secs"`
	BatchPollCapSecs int     `yaml:"batch_poll_cap_secs" mapstructure:"batch_poll_cap_secs"`
}

// GeminiConfig holds Google GenAI settings.
type GeminiConfig struct {
	Key             string  `yaml:"key" mapstructure:"key"`
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	Model           string  `yaml:"model" mapstructure:"model"`
	Temperature     float32 `yaml:"temperature" mapstructure:"temperature"`
	MaxOutputTokens int32   `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
}

// PipelineConfig configures stage orchestration.
type PipelineConfig struct {
	DefaultStrategy    string         `yaml:"default_strategy" mapstructure:"default_strategy"`
	StageTimeoutSecs   int            `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	PromptsFile        string         `yaml:"prompts_file" mapstructure:"prompts_file"`
	MinChunkConfidence float64        `yaml:"min_chunk_confidence" mapstructure:"min_chunk_confidence"`
	MaxChunks          int            `yaml:"max_chunks" mapstructure:"max_chunks"`
	Retry              RetryConfig    `yaml:"retry" mapstructure:"retry"`
	QualityWeights     QualityWeights `yaml:"quality_weights" mapstructure:"quality_weights"`
}

// RetryConfig configures per-stage retries of transient failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// QualityWeights weights the per-stage averages that make up a bundle's
// quality score.
type QualityWeights struct {
	ChunkConfidence     float64 `yaml:"chunk_confidence" mapstructure:"chunk_confidence"`
	InferenceConfidence float64 `yaml:"inference_confidence" mapstructure:"inference_confidence"`
	PatternStrength     float64 `yaml:"pattern_strength" mapstructure:"pattern_strength"`
	InsightImpact       float64 `yaml:"insight_impact" mapstructure:"insight_impact"`
	PrinciplePriority   float64 `yaml:"principle_priority" mapstructure:"principle_priority"`
}

// ExtractConfig guards calls to LLM backends.
type ExtractConfig struct {
	RateLimitRPS     float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst   int     `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// BatchConfig configures concurrent runs.
type BatchConfig struct {
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
	MaxBatchSize      int `yaml:"max_batch_size" mapstructure:"max_batch_size"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// TemporalConfig configures the durable worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// MonitoringConfig configures failure-rate alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	MinRuns              int     `yaml:"min_runs" mapstructure:"min_runs"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    map[string]ModelPricing `yaml:"gemini" mapstructure:"gemini"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SYNTHESIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dir", "data")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("batch.max_concurrent_runs", 4)
	v.SetDefault("batch.max_batch_size", 50)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.temperature", 0.3)
	v.SetDefault("anthropic.prompt_cache", true)
	v.SetDefault("anthropic.prompt_cache_ttl", "5m")
	v.SetDefault("anthropic.batch_poll_secs", 5)
	v.SetDefault("anthropic.batch_poll_cap_secs", 60)
	v.SetDefault("gemini.key", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.temperature", 0.3)
	v.SetDefault("gemini.max_output_tokens", 8192)
	v.SetDefault("pipeline.default_strategy", "default")
	v.SetDefault("pipeline.stage_timeout_secs", 120)
	v.SetDefault("pipeline.min_chunk_confidence", 0.5)
	v.SetDefault("pipeline.max_chunks", 100)
	v.SetDefault("pipeline.retry.max_attempts", 3)
	v.SetDefault("pipeline.retry.initial_backoff_ms", 500)
	v.SetDefault("pipeline.retry.max_backoff_ms", 30000)
	v.SetDefault("pipeline.retry.multiplier", 2.0)
	v.SetDefault("pipeline.retry.jitter_fraction", 0.25)
	v.SetDefault("pipeline.quality_weights.chunk_confidence", 0.3)
	v.SetDefault("pipeline.quality_weights.inference_confidence", 0.25)
	v.SetDefault("pipeline.quality_weights.pattern_strength", 0.2)
	v.SetDefault("pipeline.quality_weights.insight_impact", 0.15)
	v.SetDefault("pipeline.quality_weights.principle_priority", 0.1)
	v.SetDefault("extract.rate_limit_rps", 2.0)
	v.SetDefault("extract.rate_limit_burst", 4)
	v.SetDefault("extract.breaker_threshold", 5)
	v.SetDefault("extract.breaker_reset_secs", 60)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "synthesis-analysis")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.min_runs", 5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Modes: analyze, serve,
// worker, runs.
func (c *Config) Validate(mode string) error {
	var errs []string
	switch mode {
	case "analyze", "worker":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validatePipeline()...)
		errs = append(errs, c.validateStrategy(c.Pipeline.DefaultStrategy)...)
		if mode == "worker" && c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.task_queue is required")
		}
	case "serve":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validatePipeline()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "runs":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateStrategy checks that the credentials a strategy needs are set.
func (c *Config) ValidateStrategy(name string) error {
	if errs := c.validateStrategy(name); len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStrategy(name string) []string {
	var errs []string
	switch name {
	case "anthropic", "batch", "hybrid":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required for strategy "+name)
		}
	case "gemini":
		if c.Gemini.Key == "" {
			errs = append(errs, "gemini.key is required for strategy "+name)
		}
	}
	return errs
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "memory":
	case "file", "sqlite":
		if c.Store.Dir == "" && c.Store.DatabaseURL == "" {
			errs = append(errs, "store.dir is required for driver "+c.Store.Driver)
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		errs = append(errs, "store.driver must be one of memory, file, sqlite, postgres")
	}
	return errs
}

func (c *Config) validatePipeline() []string {
	var errs []string
	p := c.Pipeline
	if p.Retry.MaxAttempts < 1 || p.Retry.MaxAttempts > 10 {
		errs = append(errs, "pipeline.retry.max_attempts must be between 1 and 10")
	}
	if p.StageTimeoutSecs <= 0 {
		errs = append(errs, "pipeline.stage_timeout_secs must be > 0")
	}
	if p.MinChunkConfidence < 0 || p.MinChunkConfidence > 1 {
		errs = append(errs, "pipeline.min_chunk_confidence must be between 0 and 1")
	}
	if p.MaxChunks < 0 {
		errs = append(errs, "pipeline.max_chunks must be >= 0")
	}
	w := p.QualityWeights
	for _, v := range []float64{w.ChunkConfidence, w.InferenceConfidence, w.PatternStrength, w.InsightImpact, w.PrinciplePriority} {
		if v < 0 || math.IsNaN(v) {
			errs = append(errs, "pipeline.quality_weights values must be >= 0")
			break
		}
	}
	if c.Batch.MaxConcurrentRuns < 1 || c.Batch.MaxConcurrentRuns > 50 {
		errs = append(errs, "batch.max_concurrent_runs must be between 1 and 50")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
