package ollama

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/govflow/internal/ai/llm"
	"github.com/kiranshivaraju/govflow/internal/config"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// Provider implements models.Classifier using Ollama's chat API.
type Provider struct {
	cfg    config.OllamaConfig
	client *llm.Client
}

func NewProvider(cfg config.OllamaConfig, timeout time.Duration) *Provider {
	return &Provider{cfg: cfg, client: llm.NewClient(cfg.BaseURL, timeout, nil)}
}

func (p *Provider) Name() string { return "ollama" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format"`
	Options  chatOptions   `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Message llm.Message `json:"message"`
}

func (p *Provider) Classify(ctx context.Context, req models.ClassificationRequest) (models.ClassificationResponse, error) {
	system, user := llm.BuildPrompt(req)
	var resp chatResponse
	err := p.client.PostJSON(ctx, "/api/chat", chatRequest{
		Model: p.cfg.Model,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Format: "json",
	}, &resp)
	if err != nil {
		return models.ClassificationResponse{}, fmt.Errorf("ollama classify: %w", err)
	}
	return llm.ParseClassification(resp.Message.Content)
}

var _ models.Classifier = (*Provider)(nil)
