package responder

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/pkg/platform"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI generates replies through the OpenAI chat completions API.
type OpenAI struct {
	client       openai.Client
	model        string
	systemPrompt string
	logger       zerolog.Logger
}

// NewOpenAI creates an OpenAI-backed processor.
func NewOpenAI(cfg config.ResponderConfig, logger zerolog.Logger) *OpenAI {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client:       openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		logger:       logger.With().Str("component", "responder_openai").Logger(),
	}
}

// Process generates a reply for one message.
func (p *OpenAI) Process(ctx context.Context, msg platform.Message) (platform.Response, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if p.systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(p.systemPrompt))
	}
	messages = append(messages, openai.UserMessage(msg.Content))

	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: messages,
	})
	if err != nil {
		return platform.Response{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return platform.Response{}, fmt.Errorf("chat completion returned no choices")
	}

	return platform.Response{
		Content: completion.Choices[0].Message.Content,
		Type:    platform.ResponseTypeText,
	}, nil
}
