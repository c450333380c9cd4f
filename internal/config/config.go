package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Workspace  WorkspaceConfig  `yaml:"workspace" mapstructure:"workspace"`
	Executor   ExecutorConfig   `yaml:"executor" mapstructure:"executor"`
	Research   ResearchConfig   `yaml:"research" mapstructure:"research"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Google     GoogleConfig     `yaml:"google" mapstructure:"google"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// WorkspaceConfig configures run directory allocation and reclamation.
type WorkspaceConfig struct {
	BaseDir         string        `yaml:"base_dir" mapstructure:"base_dir"`
	RunPrefix       string        `yaml:"run_prefix" mapstructure:"run_prefix"`
	ReclaimMinAge   time.Duration `yaml:"reclaim_min_age" mapstructure:"reclaim_min_age"`
	ReclaimOnCreate bool          `yaml:"reclaim_on_create" mapstructure:"reclaim_on_create"`
}

// ExecutorConfig configures stage scheduling and retries.
type ExecutorConfig struct {
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	QueryTimeout      time.Duration `yaml:"query_timeout" mapstructure:"query_timeout"`
}

// ResearchConfig configures the lead sources.
type ResearchConfig struct {
	Sources               []string      `yaml:"sources" mapstructure:"sources"`
	AgentTimeout          time.Duration `yaml:"agent_timeout" mapstructure:"agent_timeout"`
	MergeFailureThreshold float64       `yaml:"merge_failure_threshold" mapstructure:"merge_failure_threshold"`
	MaxResultsPerSource   int           `yaml:"max_results_per_source" mapstructure:"max_results_per_source"`
	BreakerThreshold      int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown       time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// EnrichConfig configures contact enrichment.
type EnrichConfig struct {
	Fetcher     string   `yaml:"fetcher" mapstructure:"fetcher"`
	Concurrency int      `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerHost float64  `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	Paths       []string `yaml:"paths" mapstructure:"paths"`
	SkipHosts   []string `yaml:"skip_hosts" mapstructure:"skip_hosts"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// JinaConfig holds Jina AI Reader and Search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// GoogleConfig holds Google Places API settings.
type GoogleConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// NotifyConfig configures result delivery.
type NotifyConfig struct {
	Driver     string     `yaml:"driver" mapstructure:"driver"`
	Subject    string     `yaml:"subject" mapstructure:"subject"`
	WebhookURL string     `yaml:"webhook_url" mapstructure:"webhook_url"`
	SMTP       SMTPConfig `yaml:"smtp" mapstructure:"smtp"`
}

// SMTPConfig holds mail server credentials.
type SMTPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	From     string `yaml:"from" mapstructure:"from"`
}

// StoreConfig configures the run history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from an optional .env, config.yaml and the
// environment.
func Load() (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LEADFOUNDRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("workspace.base_dir", "runs")
	v.SetDefault("workspace.run_prefix", "run_")
	v.SetDefault("workspace.reclaim_min_age", "1h")
	v.SetDefault("workspace.reclaim_on_create", true)
	v.SetDefault("executor.max_concurrent_runs", 5)
	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.retry_delay", "5s")
	v.SetDefault("executor.query_timeout", "240s")
	v.SetDefault("research.sources", []string{"linkedin", "facebook", "website", "gmap"})
	v.SetDefault("research.agent_timeout", "240s")
	v.SetDefault("research.merge_failure_threshold", 0.1)
	v.SetDefault("research.max_results_per_source", 10)
	v.SetDefault("research.breaker_threshold", 5)
	v.SetDefault("research.breaker_cooldown", "1m")
	v.SetDefault("enrich.fetcher", "local")
	v.SetDefault("enrich.concurrency", 8)
	v.SetDefault("enrich.rate_per_host", 2.0)
	v.SetDefault("enrich.paths", []string{"/contact", "/contact-us", "/about", "/about-us", "/footer", "/support"})
	v.SetDefault("enrich.skip_hosts", []string{"linkedin.com", "facebook.com"})
	v.SetDefault("enrich.timeout_secs", 15)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("google.base_url", "https://places.googleapis.com")
	v.SetDefault("notify.driver", "none")
	v.SetDefault("notify.subject", "Your LeadFoundry AI Results")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "leadfoundry.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command needs. Mode is "serve" or "run".
// All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "run":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Workspace.BaseDir == "" {
		add("workspace.base_dir is required")
	}
	if c.Executor.MaxConcurrentRuns < 1 || c.Executor.MaxConcurrentRuns > 64 {
		add("executor.max_concurrent_runs must be between 1 and 64")
	}
	if c.Executor.MaxRetries < 1 {
		add("executor.max_retries must be >= 1")
	}
	if c.Executor.RetryDelay < 0 {
		add("executor.retry_delay must be >= 0")
	}
	if t := c.Research.MergeFailureThreshold; t < 0 || t > 1 {
		add("research.merge_failure_threshold must be between 0 and 1")
	}
	if c.Enrich.Concurrency < 1 {
		add("enrich.concurrency must be >= 1")
	}
	if !oneOf(c.Enrich.Fetcher, "local", "jina") {
		add("enrich.fetcher must be local or jina")
	}
	if !oneOf(c.Notify.Driver, "none", "smtp", "webhook") {
		add("notify.driver must be none, smtp or webhook")
	}
	if c.Notify.Driver == "smtp" && c.Notify.SMTP.Host == "" {
		add("notify.smtp.host is required for the smtp driver")
	}
	if c.Notify.Driver == "webhook" && c.Notify.WebhookURL == "" {
		add("notify.webhook_url is required for the webhook driver")
	}
	if !oneOf(c.Store.Driver, "none", "sqlite", "postgres") {
		add("store.driver must be none, sqlite or postgres")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		add("store.database_url is required for postgres")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func oneOf(v string, opts ...string) bool {
	for _, o := range opts {
		if v == o {
			return true
		}
	}
	return false
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
