package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/govflow/internal/ai/llm"
	"github.com/kiranshivaraju/govflow/internal/config"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// Provider implements models.Classifier using the OpenAI chat completions API.
type Provider struct {
	cfg    config.OpenAIConfig
	client *llm.Client
}

func NewProvider(cfg config.OpenAIConfig, timeout time.Duration) *Provider {
	return &Provider{
		cfg:    cfg,
		client: llm.NewClient(cfg.BaseURL, timeout, map[string]string{"Authorization": "Bearer " + cfg.APIKey}),
	}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Classify(ctx context.Context, req models.ClassificationRequest) (models.ClassificationResponse, error) {
	system, user := llm.BuildPrompt(req)
	out, err := p.client.ChatCompletion(ctx, p.cfg.Model, system, user, true)
	if err != nil {
		return models.ClassificationResponse{}, fmt.Errorf("openai classify: %w", err)
	}
	return llm.ParseClassification(out)
}

var _ models.Classifier = (*Provider)(nil)
