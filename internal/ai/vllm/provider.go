package vllm

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/govflow/internal/ai/llm"
	"github.com/kiranshivaraju/govflow/internal/config"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// Provider implements models.Classifier against a vLLM server's
// OpenAI-compatible API.
type Provider struct {
	cfg    config.VLLMConfig
	client *llm.Client
}

func NewProvider(cfg config.VLLMConfig, timeout time.Duration) *Provider {
	return &Provider{cfg: cfg, client: llm.NewClient(cfg.BaseURL, timeout, nil)}
}

func (p *Provider) Name() string { return "vllm" }

func (p *Provider) Classify(ctx context.Context, req models.ClassificationRequest) (models.ClassificationResponse, error) {
	system, user := llm.BuildPrompt(req)
	// vLLM's guided decoding is model dependent, so plain text output is parsed.
	out, err := p.client.ChatCompletion(ctx, p.cfg.Model, system, user, false)
	if err != nil {
		return models.ClassificationResponse{}, fmt.Errorf("vllm classify: %w", err)
	}
	return llm.ParseClassification(out)
}

var _ models.Classifier = (*Provider)(nil)
