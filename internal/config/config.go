package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the GovFlow server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	AI         AIConfig
	Queue      QueueConfig
	Interrupt  InterruptConfig
	Progress   ProgressConfig
	Classifier ClassifierConfig
	Portal     PortalConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	LogLevel        string
	RateLimit       int
	BootstrapAPIKey string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	Ollama           OllamaConfig
	VLLM             VLLMConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type AnthropicConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// QueueConfig drives the queue, the worker pool and the supervisor.
type QueueConfig struct {
	Backend         string
	Workers         int
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	LeaseTTL        time.Duration
	PollInterval    time.Duration
	VisibilityTTL   time.Duration
	ReaperSchedule  string
	PromoteSchedule string
	SweepSchedule   string
	EnqueueAttempts int
}

type InterruptConfig struct {
	InputTTL time.Duration
}

type ProgressConfig struct {
	SubscriberBuffer int
	ReporterBuffer   int
	Heartbeat        time.Duration
}

// ClassifierConfig is the slot-filling policy.
type ClassifierConfig struct {
	MaxClarifications   int
	ConfidenceThreshold float64
	MaxAttempts         int
	RetryBase           time.Duration
	Deadline            time.Duration
	ContextTTL          time.Duration
}

type PortalConfig struct {
	StepDelay time.Duration
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
}

var validQueueBackends = map[string]bool{
	"redis":  true,
	"memory": true,
}

// Load reads configuration from environment variables (and a .env file when
// present) and returns a validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("GOVFLOW_PORT", 8080),
			Env:             envString("GOVFLOW_ENV", "development"),
			LogLevel:        envString("GOVFLOW_LOG_LEVEL", "info"),
			RateLimit:       envInt("GOVFLOW_RATE_LIMIT_PER_MIN", 60),
			BootstrapAPIKey: os.Getenv("GOVFLOW_BOOTSTRAP_API_KEY"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: envDuration("DATABASE_CONN_MAX_IDLE_TIME", time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 15*time.Second),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000"),
				Model:   envString("VLLM_MODEL", ""),
			},
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
			Anthropic: AnthropicConfig{
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
		Queue: QueueConfig{
			Backend:         envString("QUEUE_BACKEND", "redis"),
			Workers:         envInt("QUEUE_WORKERS", 4),
			MaxRetries:      envInt("QUEUE_MAX_RETRIES", 3),
			BackoffBase:     envDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
			BackoffMax:      envDuration("QUEUE_BACKOFF_MAX", 5*time.Minute),
			LeaseTTL:        envDuration("QUEUE_LEASE_TTL", 30*time.Second),
			PollInterval:    envDuration("QUEUE_POLL_INTERVAL", 250*time.Millisecond),
			VisibilityTTL:   envDuration("QUEUE_VISIBILITY_TTL", 2*time.Minute),
			ReaperSchedule:  envString("QUEUE_REAPER_SCHEDULE", "@every 15s"),
			PromoteSchedule: envString("QUEUE_PROMOTE_SCHEDULE", "@every 1s"),
			SweepSchedule:   envString("QUEUE_SWEEP_SCHEDULE", "@every 10s"),
			EnqueueAttempts: envInt("QUEUE_ENQUEUE_ATTEMPTS", 3),
		},
		Interrupt: InterruptConfig{
			InputTTL: envDuration("INTERRUPT_INPUT_TTL", 5*time.Minute),
		},
		Progress: ProgressConfig{
			SubscriberBuffer: envInt("PROGRESS_SUBSCRIBER_BUFFER", 64),
			ReporterBuffer:   envInt("PROGRESS_REPORTER_BUFFER", 32),
			Heartbeat:        envDuration("PROGRESS_HEARTBEAT", 15*time.Second),
		},
		Classifier: ClassifierConfig{
			MaxClarifications:   envInt("CLASSIFIER_MAX_CLARIFICATIONS", 3),
			ConfidenceThreshold: envFloat("CLASSIFIER_CONFIDENCE_THRESHOLD", 0.6),
			MaxAttempts:         envInt("CLASSIFIER_MAX_ATTEMPTS", 3),
			RetryBase:           envDuration("CLASSIFIER_RETRY_BASE", 500*time.Millisecond),
			Deadline:            envDuration("CLASSIFIER_DEADLINE", 20*time.Second),
			ContextTTL:          envDuration("CLASSIFIER_CONTEXT_TTL", 30*time.Minute),
		},
		Portal: PortalConfig{
			StepDelay: envDuration("PORTAL_STEP_DELAY", 200*time.Millisecond),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}
	for name, u := range map[string]string{
		"OLLAMA_BASE_URL":    c.AI.Ollama.BaseURL,
		"VLLM_BASE_URL":      c.AI.VLLM.BaseURL,
		"OPENAI_BASE_URL":    c.AI.OpenAI.BaseURL,
		"ANTHROPIC_BASE_URL": c.AI.Anthropic.BaseURL,
	} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, u)
		}
	}

	if !validQueueBackends[c.Queue.Backend] {
		return fmt.Errorf("QUEUE_BACKEND must be one of redis, memory; got %q", c.Queue.Backend)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		return fmt.Errorf("QUEUE_BACKOFF_BASE must be positive and not exceed QUEUE_BACKOFF_MAX")
	}
	if c.Queue.LeaseTTL < time.Second {
		return fmt.Errorf("QUEUE_LEASE_TTL must be at least 1s, got %s", c.Queue.LeaseTTL)
	}

	if c.Interrupt.InputTTL <= 0 {
		return fmt.Errorf("INTERRUPT_INPUT_TTL must be positive")
	}

	if c.Classifier.MaxClarifications < 1 {
		return fmt.Errorf("CLASSIFIER_MAX_CLARIFICATIONS must be at least 1, got %d", c.Classifier.MaxClarifications)
	}
	if c.Classifier.ConfidenceThreshold < 0 || c.Classifier.ConfidenceThreshold > 1 {
		return fmt.Errorf("CLASSIFIER_CONFIDENCE_THRESHOLD must be within [0, 1], got %v", c.Classifier.ConfidenceThreshold)
	}
	if c.Classifier.MaxAttempts < 1 {
		return fmt.Errorf("CLASSIFIER_MAX_ATTEMPTS must be at least 1, got %d", c.Classifier.MaxAttempts)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
