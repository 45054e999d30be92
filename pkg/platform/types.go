package platform

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PlatformType identifies a supported chat platform.
type PlatformType string

const (
	PlatformMessenger PlatformType = "messenger"
	PlatformWhatsApp  PlatformType = "whatsapp"
	PlatformInstagram PlatformType = "instagram"
	PlatformLine      PlatformType = "line"
	PlatformSlack     PlatformType = "slack"
	PlatformTelegram  PlatformType = "telegram"
	PlatformDiscord   PlatformType = "discord"
)

// AllPlatforms lists every platform this binary knows about.
func AllPlatforms() []PlatformType {
	return []PlatformType{
		PlatformMessenger,
		PlatformWhatsApp,
		PlatformInstagram,
		PlatformLine,
		PlatformSlack,
		PlatformTelegram,
		PlatformDiscord,
	}
}

// ParsePlatformType resolves a config section name to a platform type.
// Unknown names fail closed.
func ParsePlatformType(s string) (PlatformType, error) {
	name := PlatformType(strings.ToLower(strings.TrimSpace(s)))
	for _, p := range AllPlatforms() {
		if name == p {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// MessageType classifies an inbound message payload.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeFile     MessageType = "file"
	MessageTypeLocation MessageType = "location"
	MessageTypePostback MessageType = "postback"
	MessageTypeSticker  MessageType = "sticker"
)

// ResponseType classifies an outbound response payload.
type ResponseType string

const (
	ResponseTypeText  ResponseType = "text"
	ResponseTypeAudio ResponseType = "audio"
	ResponseTypeImage ResponseType = "image"
	ResponseTypeFile  ResponseType = "file"
)

// Metadata keys for the reply context carried on a Message. Which key a
// platform populates depends on how that platform addresses replies.
const (
	MetaReplyToken    = "reply_token"
	MetaChatID        = "chat_id"
	MetaChannelID     = "channel_id"
	MetaRecipientID   = "recipient_id"
	MetaPhoneNumberID = "phone_number_id"
	MetaThreadTS      = "thread_ts"
)

// User is a platform-scoped sender identity. (Platform, ID) is the unique
// key; ID alone is only unique within one platform.
type User struct {
	ID          string
	Platform    PlatformType
	DisplayName string
	Username    string
	Metadata    map[string]interface{}
}

// Message is the normalized inbound unit every handler translates to.
// It is immutable after creation; the reply context needed by SendResponse
// travels in Metadata and must survive between parse and send.
type Message struct {
	ID       string
	User     User
	Content  string
	Type     MessageType
	Raw      []byte
	Metadata map[string]interface{}
}

// MetaString returns a string metadata value, or "" when absent.
func (m Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// NewMessageID produces a fallback id for platforms that omit one.
func NewMessageID() string {
	return uuid.NewString()
}

// Response is the normalized outbound unit produced by the downstream
// pipeline and consumed by exactly one handler's SendResponse.
type Response struct {
	Content  string
	Type     ResponseType
	Metadata map[string]interface{}
}

// Config is one platform's configuration section: an `enabled` flag plus
// provider-specific credential fields. Loaded once at startup, never
// mutated after handler construction.
type Config map[string]interface{}

// GetString returns a string field, or "" when absent or not a string.
func (c Config) GetString(key string) string {
	if c == nil {
		return ""
	}
	if v, ok := c[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// GetInt returns an integer field, or 0 when absent. JSON numbers decode
// as float64, so both forms are accepted.
func (c Config) GetInt(key string) int {
	if c == nil {
		return 0
	}
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// GetBool returns a bool field, or false when absent.
func (c Config) GetBool(key string) bool {
	if c == nil {
		return false
	}
	v, ok := c[key].(bool)
	return ok && v
}

// Enabled reports the section's `enabled` flag.
func (c Config) Enabled() bool {
	return c.GetBool("enabled")
}

// HasFields reports whether every named field is present and non-empty,
// returning the missing field names.
func (c Config) HasFields(fields []string) (bool, []string) {
	var missing []string
	for _, f := range fields {
		if c.GetString(f) == "" {
			missing = append(missing, f)
		}
	}
	return len(missing) == 0, missing
}
