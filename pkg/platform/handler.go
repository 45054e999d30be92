package platform

// Handler is the capability set every platform adapter implements. All
// handlers look identical to the manager regardless of native transport:
// webhook-style platforms parse the request they are handed, persistent-
// connection platforms drain an internal queue fed by a background worker.
//
// HandleWebhook and SendResponse never panic outward. Any internal failure
// degrades to an empty slice or false; failures are observable only
// through logging.
type Handler interface {
	// PlatformType returns the platform this handler serves. Constant.
	PlatformType() PlatformType

	// RequiredConfigFields declares which config keys must be present
	// and non-empty for this handler to operate.
	RequiredConfigFields() []string

	// ValidateConfig reports whether every required field is present.
	// Side-effect free.
	ValidateConfig() bool

	// IsEnabled reports the `enabled` flag of the handler's config
	// section. A disabled handler is never registered or invoked.
	IsEnabled() bool

	// ParseMessage translates one protocol-native unit into a normalized
	// Message, or nil when the unit is not a user message worth
	// forwarding (bot echo, delivery receipt, non-message event).
	ParseMessage(raw map[string]interface{}) *Message

	// HandleWebhook is the full per-request entry point: verify
	// signature, parse envelope, validate kind, extract messages.
	// Any stage failing short-circuits to an empty slice.
	HandleWebhook(body []byte, signature string) []Message

	// SendResponse attempts delivery of a response addressed by the
	// original message's reply context. Returns false on any failure,
	// including missing addressing metadata.
	SendResponse(resp Response, original Message) bool

	// Close releases background resources (connections, workers). A
	// handler being replaced during re-registration is closed first.
	Close() error
}

// ChallengeVerifier is implemented by handlers whose platform performs a
// subscription handshake (Meta's hub.challenge). The HTTP front door uses
// it to answer GET verification requests.
type ChallengeVerifier interface {
	VerifyToken() string
}
