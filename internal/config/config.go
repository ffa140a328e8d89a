package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultJWTSecret = "supersecretkey"
	envDevelopment   = "development"
)

type Config struct {
	Env              string        `yaml:"env"`
	Addr             string        `yaml:"addr"`
	LogLevel         string        `yaml:"log_level"`
	JWTSecret        string        `yaml:"jwt_secret"`
	APITimeout       time.Duration `yaml:"timeout"`
	TokenDuration    time.Duration `yaml:"token_duration"`
	DatabaseURL      string        `yaml:"database_url"`
	QueueDatabaseURL string        `yaml:"queue_database_url"`
	MigrateOnStart   bool          `yaml:"migrate_on_start"`

	// AdminEmails are granted the admin role when they sign up.
	AdminEmails []string `yaml:"admin_emails"`

	Scheduler    SchedulerConfig `yaml:"scheduler"`
	Queue        QueueConfig     `yaml:"queue"`
	Sources      SourcesConfig   `yaml:"sources"`
	EngineConfig EngineConfig    `yaml:"engine"`
	Ollama       OllamaConfig    `yaml:"ollama"`
	OpenAI       OpenAIConfig    `yaml:"openai"`
	Gemini       GeminiConfig    `yaml:"gemini"`
	Redis        RedisConfig     `yaml:"redis"`
	Alerts       AlertConfig     `yaml:"alerts"`
}

type SchedulerConfig struct {
	Enabled             bool `yaml:"enabled"`
	ScrapeIntervalHours int  `yaml:"scrape_interval_hours"`
	AnalysisBatchSize   int  `yaml:"analysis_batch_size"`
	// AnalysisThreshold is the unanalyzed backlog that triggers an analysis run
	// after a scrape. Zero means AnalysisBatchSize.
	AnalysisThreshold int `yaml:"analysis_threshold"`
}

type QueueConfig struct {
	WorkerCount   int           `yaml:"worker_count"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	MaxAttempts   int           `yaml:"max_attempts"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

type SourcesConfig struct {
	FetchTimeout      time.Duration      `yaml:"fetch_timeout"`
	MaxPages          int                `yaml:"max_pages"`
	RefreshWindow     time.Duration      `yaml:"refresh_window"`
	RequestsPerMinute int                `yaml:"requests_per_minute"`
	UserAgent         string             `yaml:"user_agent"`
	Reddit            RedditConfig       `yaml:"reddit"`
	ProductHunt       ProductHuntConfig  `yaml:"product_hunt"`
	GoogleTrends      GoogleTrendsConfig `yaml:"google_trends"`
	HackerNews        HackerNewsConfig   `yaml:"hacker_news"`
	Twitter           TwitterConfig      `yaml:"twitter"`
	RSS               RSSConfig          `yaml:"rss"`
}

type RedditConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Subreddits []string `yaml:"subreddits"`
	Token      string   `yaml:"token"`
	BaseURL    string   `yaml:"base_url"`
}

type ProductHuntConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

type GoogleTrendsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Geo     string `yaml:"geo"`
	BaseURL string `yaml:"base_url"`
}

type HackerNewsConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

type TwitterConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BearerToken string `yaml:"bearer_token"`
	Query       string `yaml:"query"`
	BaseURL     string `yaml:"base_url"`
}

type RSSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Feeds   []string `yaml:"feeds"`
}

// EngineConfig selects the scoring provider and the prompt template it renders.
type EngineConfig struct {
	Provider        string        `yaml:"provider"`
	Model           string        `yaml:"model"`
	TemplateName    string        `yaml:"template_name"`
	TemplateVersion string        `yaml:"template_version"`
	Timeout         time.Duration `yaml:"timeout"`
}

type OllamaConfig struct {
	BaseURL                 string        `yaml:"base_url"`
	DefaultModelNames       []string      `yaml:"models"`
	Timeout                 time.Duration `yaml:"timeout"`
	Retries                 int           `yaml:"retries"`
	Backoff                 time.Duration `yaml:"backoff"`
	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold"`
	CircuitReset            time.Duration `yaml:"circuit_reset"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type AlertConfig struct {
	SNSTopicARN string `yaml:"sns_topic_arn"`
	Region      string `yaml:"region"`
}

// LoadConfig builds the configuration from defaults, the process environment
// (optionally seeded from a .env file) and finally the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		Env:              getEnv("INSIGHTPIPE_ENV", envDevelopment),
		Addr:             getEnv("INSIGHTPIPE_ADDR", ":8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		JWTSecret:        getEnv("JWT_SECRET", defaultJWTSecret),
		APITimeout:       getEnvDuration("API_TIMEOUT", 15*time.Second),
		TokenDuration:    getEnvDuration("TOKEN_DURATION", time.Hour),
		DatabaseURL:      getEnv("DATABASE_URL", "insightpipe.db"),
		QueueDatabaseURL: getEnv("QUEUE_DATABASE_URL", ""),
		MigrateOnStart:   getEnvBool("MIGRATE_ON_START", true),
		AdminEmails:      getEnvList("ADMIN_EMAILS", nil),
		Scheduler: SchedulerConfig{
			Enabled:             getEnvBool("SCHEDULER_ENABLED", true),
			ScrapeIntervalHours: getEnvInt("SCRAPE_INTERVAL_HOURS", 6),
			AnalysisBatchSize:   getEnvInt("ANALYSIS_BATCH_SIZE", 10),
			AnalysisThreshold:   getEnvInt("ANALYSIS_THRESHOLD", 0),
		},
		Queue: QueueConfig{
			WorkerCount:   getEnvInt("WORKER_COUNT", 4),
			LeaseDuration: getEnvDuration("LEASE_DURATION", 5*time.Minute),
			MaxAttempts:   getEnvInt("MAX_ATTEMPTS", 5),
			PollInterval:  getEnvDuration("POLL_INTERVAL", 500*time.Millisecond),
		},
		Sources: SourcesConfig{
			FetchTimeout:      getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
			MaxPages:          getEnvInt("SOURCE_MAX_PAGES", 3),
			RefreshWindow:     getEnvDuration("SOURCE_REFRESH_WINDOW", 24*time.Hour),
			RequestsPerMinute: getEnvInt("SOURCE_REQUESTS_PER_MINUTE", 30),
			UserAgent:         getEnv("SOURCE_USER_AGENT", "insightpipe/1.0"),
			Reddit: RedditConfig{
				Enabled:    getEnvBool("REDDIT_ENABLED", true),
				Subreddits: getEnvList("REDDIT_SUBREDDITS", []string{"startups", "SaaS", "Entrepreneur"}),
				Token:      getEnv("REDDIT_TOKEN", ""),
			},
			ProductHunt: ProductHuntConfig{
				Enabled: getEnvBool("PRODUCT_HUNT_ENABLED", true),
				Token:   getEnv("PRODUCT_HUNT_TOKEN", ""),
			},
			GoogleTrends: GoogleTrendsConfig{
				Enabled: getEnvBool("GOOGLE_TRENDS_ENABLED", true),
				Geo:     getEnv("GOOGLE_TRENDS_GEO", "US"),
			},
			HackerNews: HackerNewsConfig{
				Enabled: getEnvBool("HACKER_NEWS_ENABLED", true),
			},
			Twitter: TwitterConfig{
				Enabled:     getEnvBool("TWITTER_ENABLED", true),
				BearerToken: getEnv("TWITTER_BEARER_TOKEN", ""),
				Query:       getEnv("TWITTER_QUERY", `("I wish there was" OR "someone should build") -is:retweet lang:en`),
			},
			RSS: RSSConfig{
				Enabled: getEnvBool("RSS_ENABLED", true),
				Feeds:   getEnvList("RSS_FEEDS", nil),
			},
		},
		EngineConfig: EngineConfig{
			Provider:        getEnv("SCORER_PROVIDER", "ollama"),
			Model:           getEnv("SCORER_MODEL", "llama3"),
			TemplateName:    "insight",
			TemplateVersion: getEnv("SCORER_TEMPLATE_VERSION", "v1"),
			Timeout:         getEnvDuration("SCORING_TIMEOUT", 60*time.Second),
		},
		Ollama: OllamaConfig{
			BaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
		},
		Gemini: GeminiConfig{
			APIKey: getEnv("GEMINI_API_KEY", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			TTL:      getEnvDuration("REDIS_TTL", time.Minute),
		},
		Alerts: AlertConfig{
			SNSTopicARN: getEnv("DEAD_LETTER_TOPIC_ARN", ""),
			Region:      getEnv("AWS_REGION", "us-east-1"),
		},
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate fills defaults for unset nested settings and rejects unsafe or
// inconsistent combinations.
func (c *Config) Validate() error {
	env := c.Env
	if env == "" {
		env = os.Getenv("INSIGHTPIPE_ENV")
	}
	if env != envDevelopment && (c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret) {
		return errors.New("jwt_secret must be set to a non-default value outside development")
	}
	if c.DatabaseURL == "" {
		return errors.New("database_url is required")
	}
	if c.EngineConfig.Model == "" {
		return errors.New("engine.model is required")
	}

	c.applyDefaults()

	switch c.EngineConfig.Provider {
	case "ollama":
	case "openai":
		if c.OpenAI.APIKey == "" {
			return errors.New("openai.api_key is required when engine.provider is openai")
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			return errors.New("gemini.api_key is required when engine.provider is gemini")
		}
	default:
		return fmt.Errorf("unknown engine.provider %q", c.EngineConfig.Provider)
	}

	if c.Scheduler.ScrapeIntervalHours < 1 {
		return errors.New("scheduler.scrape_interval_hours must be at least 1")
	}
	if c.Scheduler.AnalysisBatchSize < 1 {
		return errors.New("scheduler.analysis_batch_size must be at least 1")
	}
	// a lease must outlive any single blocking call made while holding it
	if c.Sources.FetchTimeout >= c.Queue.LeaseDuration {
		return fmt.Errorf("sources.fetch_timeout (%s) must be shorter than queue.lease_duration (%s)", c.Sources.FetchTimeout, c.Queue.LeaseDuration)
	}
	if c.EngineConfig.Timeout >= c.Queue.LeaseDuration {
		return fmt.Errorf("engine.timeout (%s) must be shorter than queue.lease_duration (%s)", c.EngineConfig.Timeout, c.Queue.LeaseDuration)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.APITimeout <= 0 {
		c.APITimeout = 15 * time.Second
	}
	if c.TokenDuration <= 0 {
		c.TokenDuration = time.Hour
	}
	if c.QueueDatabaseURL == "" {
		c.QueueDatabaseURL = c.DatabaseURL
	}
	if c.EngineConfig.Provider == "" {
		c.EngineConfig.Provider = "ollama"
	}
	if c.EngineConfig.TemplateName == "" {
		c.EngineConfig.TemplateName = "insight"
	}
	if c.EngineConfig.TemplateVersion == "" {
		c.EngineConfig.TemplateVersion = "v1"
	}
	if c.EngineConfig.Timeout <= 0 {
		c.EngineConfig.Timeout = 60 * time.Second
	}
	if c.Scheduler.ScrapeIntervalHours == 0 {
		c.Scheduler.ScrapeIntervalHours = 6
	}
	if c.Scheduler.AnalysisBatchSize == 0 {
		c.Scheduler.AnalysisBatchSize = 10
	}
	if c.Scheduler.AnalysisThreshold <= 0 {
		c.Scheduler.AnalysisThreshold = c.Scheduler.AnalysisBatchSize
	}
	if c.Queue.WorkerCount <= 0 {
		c.Queue.WorkerCount = 4
	}
	if c.Queue.LeaseDuration <= 0 {
		c.Queue.LeaseDuration = 5 * time.Minute
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = 500 * time.Millisecond
	}
	if c.Sources.FetchTimeout <= 0 {
		c.Sources.FetchTimeout = 30 * time.Second
	}
	if c.Sources.MaxPages <= 0 {
		c.Sources.MaxPages = 3
	}
	if c.Sources.RefreshWindow <= 0 {
		c.Sources.RefreshWindow = 24 * time.Hour
	}
	if c.Sources.RequestsPerMinute <= 0 {
		c.Sources.RequestsPerMinute = 30
	}
	if c.Ollama.BaseURL == "" {
		c.Ollama.BaseURL = "http://localhost:11434"
	}
	if c.Ollama.Timeout <= 0 {
		c.Ollama.Timeout = 30 * time.Second
	}
	if c.Ollama.Retries == 0 {
		c.Ollama.Retries = 2
	}
	if c.Ollama.Backoff <= 0 {
		c.Ollama.Backoff = 500 * time.Millisecond
	}
	if c.Ollama.CircuitFailureThreshold <= 0 {
		c.Ollama.CircuitFailureThreshold = 5
	}
	if c.Ollama.CircuitReset <= 0 {
		c.Ollama.CircuitReset = 30 * time.Second
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = time.Minute
	}
}

// ScrapeInterval is the scheduler tick as a duration.
func (c *Config) ScrapeInterval() time.Duration {
	return time.Duration(c.Scheduler.ScrapeIntervalHours) * time.Hour
}

func loadDotEnv() {
	path := getEnv("INSIGHTPIPE_DOTENV", ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	// existing environment variables win over .env entries
	_ = godotenv.Load(path)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
