package webhook

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/platform"
)

// ParseFunc translates one raw envelope item into a normalized message,
// or nil when the item is not a forwardable user message.
type ParseFunc func(raw map[string]interface{}) *platform.Message

// ExtractFunc walks a decoded envelope and returns its raw per-message
// units in envelope order. Malformed items are the parser's problem, not
// the extractor's: return whatever is structurally present.
type ExtractFunc func(envelope map[string]interface{}) []map[string]interface{}

// Pipeline is the four-stage webhook template shared by the Meta provider
// family: verify signature, parse envelope, validate the top-level kind,
// extract messages. Per-platform behavior is supplied as data rather than
// subclassing: the expected kind string, the batch walk, and the parser.
type Pipeline struct {
	// Object is the expected top-level `object` discriminator. Envelopes
	// carrying a different kind are rejected without error, which lets
	// multiple families share one endpoint prefix.
	Object string

	// Secret is the signing secret. When empty, verification is skipped
	// entirely; this is an insecure local/dev escape hatch and is logged
	// as such on every request it lets through.
	Secret string

	Extract ExtractFunc
	Parse   ParseFunc
	Logger  zerolog.Logger
}

// Run processes one webhook request through all four stages. Every reject
// path returns an empty slice; nothing escapes as a panic or error.
func (p *Pipeline) Run(body []byte, signature string) []platform.Message {
	if !p.checkSignature(body, signature) {
		return nil
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		p.Logger.Debug().Err(err).Msg("Webhook envelope is not valid JSON")
		return nil
	}

	if kind, _ := envelope["object"].(string); kind != p.Object {
		p.Logger.Debug().Str("object", kind).Str("expected", p.Object).Msg("Envelope kind mismatch")
		return nil
	}

	var messages []platform.Message
	for _, raw := range p.Extract(envelope) {
		// One malformed item must not sink the rest of the batch.
		if msg := p.Parse(raw); msg != nil {
			messages = append(messages, *msg)
		}
	}
	return messages
}

func (p *Pipeline) checkSignature(body []byte, signature string) bool {
	if p.Secret == "" {
		p.Logger.Warn().Msg("No signing secret configured, accepting webhook unverified")
		return true
	}
	if signature == "" {
		p.Logger.Debug().Msg("Webhook rejected: missing signature")
		return false
	}
	if !VerifySignature(body, signature, p.Secret, AlgorithmForSignature(signature)) {
		p.Logger.Debug().Msg("Webhook rejected: invalid signature")
		return false
	}
	return true
}
