// Package responder is the downstream processing pipeline: it consumes a
// normalized message and produces a normalized response. The gateway core
// treats it as an opaque synchronous collaborator.
package responder

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/pkg/platform"
)

// Processor turns one inbound message into one response.
type Processor interface {
	Process(ctx context.Context, msg platform.Message) (platform.Response, error)
}

// New builds the processor selected by configuration.
func New(cfg config.ResponderConfig, logger zerolog.Logger) (Processor, error) {
	switch cfg.Provider {
	case "", "echo":
		return &Echo{}, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai responder requires an api key")
		}
		return NewOpenAI(cfg, logger), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic responder requires an api key")
		}
		return NewAnthropic(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown responder provider %q", cfg.Provider)
	}
}

// Echo replies with the inbound content. Useful for wiring checks and as
// the default when no model provider is configured.
type Echo struct{}

// Process returns the message content unchanged.
func (e *Echo) Process(_ context.Context, msg platform.Message) (platform.Response, error) {
	content := msg.Content
	if content == "" {
		content = fmt.Sprintf("received a %s message", msg.Type)
	}
	return platform.Response{
		Content: content,
		Type:    platform.ResponseTypeText,
	}, nil
}
