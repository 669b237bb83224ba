package ai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/govflow/internal/ai/anthropic"
	"github.com/kiranshivaraju/govflow/internal/ai/ollama"
	"github.com/kiranshivaraju/govflow/internal/ai/openai"
	"github.com/kiranshivaraju/govflow/internal/ai/vllm"
	"github.com/kiranshivaraju/govflow/internal/config"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

const defaultInferenceTimeout = 15 * time.Second

// Option configures NewClassifier.
type Option func(*loggedClassifier)

// WithLogger sets the logger that records each classification.
func WithLogger(l *slog.Logger) Option {
	return func(c *loggedClassifier) { c.logger = l }
}

// NewClassifier constructs the classification backend selected by config.
// Every call is logged with its latency and outcome; the requester's message
// never is.
func NewClassifier(cfg config.AIConfig, opts ...Option) (models.Classifier, error) {
	timeout := cfg.InferenceTimeout
	if timeout <= 0 {
		timeout = defaultInferenceTimeout
	}

	var next models.Classifier
	switch cfg.Provider {
	case "ollama":
		next = ollama.NewProvider(cfg.Ollama, timeout)
	case "vllm":
		next = vllm.NewProvider(cfg.VLLM, timeout)
	case "openai":
		next = openai.NewProvider(cfg.OpenAI, timeout)
	case "anthropic":
		next = anthropic.NewProvider(cfg.Anthropic, timeout)
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of ollama, vllm, openai, anthropic", cfg.Provider)
	}

	c := &loggedClassifier{next: next, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type loggedClassifier struct {
	next   models.Classifier
	logger *slog.Logger
}

func (c *loggedClassifier) Name() string { return c.next.Name() }

func (c *loggedClassifier) Classify(ctx context.Context, req models.ClassificationRequest) (models.ClassificationResponse, error) {
	start := time.Now()
	resp, err := c.next.Classify(ctx, req)
	attrs := []any{
		"provider", c.next.Name(),
		"duration_ms", time.Since(start).Milliseconds(),
		"prior_fields", len(req.PriorExtractedParameters),
	}
	if err != nil {
		c.logger.Warn("classification failed", append(attrs, "error", err)...)
		return resp, err
	}
	c.logger.Debug("classification finished", append(attrs,
		"job_type", resp.JobType,
		"confidence", resp.Confidence,
		"extracted_fields", len(resp.ExtractedParameters))...)
	return resp, nil
}
