package responder

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/pkg/platform"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// Anthropic generates replies through the Anthropic messages API.
type Anthropic struct {
	client       anthropic.Client
	model        string
	systemPrompt string
	logger       zerolog.Logger
}

// NewAnthropic creates an Anthropic-backed processor.
func NewAnthropic(cfg config.ResponderConfig, logger zerolog.Logger) *Anthropic {
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{
		client:       anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		logger:       logger.With().Str("component", "responder_anthropic").Logger(),
	}
}

// Process generates a reply for one message.
func (p *Anthropic) Process(ctx context.Context, msg platform.Message) (platform.Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)),
		},
	}
	if p.systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: p.systemPrompt},
		}
	}

	result, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return platform.Response{}, fmt.Errorf("message generation failed: %w", err)
	}

	content := ""
	for _, block := range result.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += b.Text
		}
	}
	if content == "" {
		return platform.Response{}, fmt.Errorf("message generation returned no text")
	}

	return platform.Response{
		Content: content,
		Type:    platform.ResponseTypeText,
	}, nil
}
