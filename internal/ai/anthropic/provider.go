package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/govflow/internal/ai/llm"
	"github.com/kiranshivaraju/govflow/internal/config"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

const (
	apiVersion = "2023-06-01"
	maxTokens  = 1024
)

// Provider implements models.Classifier using the Anthropic Messages API.
type Provider struct {
	cfg    config.AnthropicConfig
	client *llm.Client
}

func NewProvider(cfg config.AnthropicConfig, timeout time.Duration) *Provider {
	return &Provider{
		cfg: cfg,
		client: llm.NewClient(cfg.BaseURL, timeout, map[string]string{
			"x-api-key":         cfg.APIKey,
			"anthropic-version": apiVersion,
		}),
	}
}

func (p *Provider) Name() string { return "anthropic" }

type messagesRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system"`
	Messages  []llm.Message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *Provider) Classify(ctx context.Context, req models.ClassificationRequest) (models.ClassificationResponse, error) {
	system, user := llm.BuildPrompt(req)
	var resp messagesResponse
	err := p.client.PostJSON(ctx, "/v1/messages", messagesRequest{
		Model:     p.cfg.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []llm.Message{{Role: "user", Content: user}},
	}, &resp)
	if err != nil {
		return models.ClassificationResponse{}, fmt.Errorf("anthropic classify: %w", err)
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return llm.ParseClassification(text.String())
}

var _ models.Classifier = (*Provider)(nil)
