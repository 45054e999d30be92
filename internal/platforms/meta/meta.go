// Package meta implements the handlers for the Meta provider family:
// Messenger, WhatsApp Cloud, and Instagram. All three share one webhook
// shape (top-level `object` kind, `entry` batches) and one signing scheme
// (X-Hub-Signature-256, with sha1 kept for the legacy header), so they
// share the verification pipeline and differ only in the kind string, the
// batch walk, and how replies are addressed.
package meta

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/platform"
	"github.com/chatrelay/chatrelay/pkg/webhook"
)

const defaultAPIVersion = "v19.0"

// variant carries the per-platform hooks the shared pipeline is
// parameterized with.
type variant struct {
	platform platform.PlatformType
	object   string
	required []string
	extract  webhook.ExtractFunc
	parse    func(h *Handler, raw map[string]interface{}) *platform.Message
	send     func(h *Handler, resp platform.Response, original platform.Message) bool
}

// Handler serves one member of the Meta family.
type Handler struct {
	cfg     platform.Config
	variant variant
	logger  zerolog.Logger
	graph   *graphClient
}

func newHandler(cfg platform.Config, logger zerolog.Logger, v variant) *Handler {
	h := &Handler{
		cfg:     cfg,
		variant: v,
		logger:  logger.With().Str("platform", string(v.platform)).Logger(),
	}
	h.graph = newGraphClient(cfg, h.logger)
	return h
}

// NewMessenger constructs the Facebook Messenger handler.
func NewMessenger(cfg platform.Config, logger zerolog.Logger) (platform.Handler, error) {
	return newHandler(cfg, logger, variant{
		platform: platform.PlatformMessenger,
		object:   "page",
		required: []string{"access_token", "app_secret", "verify_token"},
		extract:  extractMessaging,
		parse:    (*Handler).parseMessaging,
		send:     (*Handler).sendMessaging,
	}), nil
}

// NewInstagram constructs the Instagram messaging handler. Instagram
// rides the same Graph messaging shape as Messenger under its own kind.
func NewInstagram(cfg platform.Config, logger zerolog.Logger) (platform.Handler, error) {
	return newHandler(cfg, logger, variant{
		platform: platform.PlatformInstagram,
		object:   "instagram",
		required: []string{"access_token", "app_secret", "verify_token"},
		extract:  extractMessaging,
		parse:    (*Handler).parseMessaging,
		send:     (*Handler).sendMessaging,
	}), nil
}

// NewWhatsApp constructs the WhatsApp Cloud API handler.
func NewWhatsApp(cfg platform.Config, logger zerolog.Logger) (platform.Handler, error) {
	return newHandler(cfg, logger, variant{
		platform: platform.PlatformWhatsApp,
		object:   "whatsapp_business_account",
		required: []string{"access_token", "app_secret", "phone_number_id", "verify_token"},
		extract:  extractChanges,
		parse:    (*Handler).parseWhatsApp,
		send:     (*Handler).sendWhatsApp,
	}), nil
}

func (h *Handler) PlatformType() platform.PlatformType { return h.variant.platform }

func (h *Handler) RequiredConfigFields() []string { return h.variant.required }

func (h *Handler) ValidateConfig() bool {
	ok, _ := h.cfg.HasFields(h.variant.required)
	return ok
}

func (h *Handler) IsEnabled() bool { return h.cfg.Enabled() }

// VerifyToken answers the Meta subscription handshake (hub.challenge).
func (h *Handler) VerifyToken() string { return h.cfg.GetString("verify_token") }

func (h *Handler) ParseMessage(raw map[string]interface{}) *platform.Message {
	return h.variant.parse(h, raw)
}

func (h *Handler) HandleWebhook(body []byte, signature string) []platform.Message {
	pipe := webhook.Pipeline{
		Object:  h.variant.object,
		Secret:  h.cfg.GetString("app_secret"),
		Extract: h.variant.extract,
		Parse:   h.ParseMessage,
		Logger:  h.logger,
	}
	return pipe.Run(body, signature)
}

func (h *Handler) SendResponse(resp platform.Response, original platform.Message) bool {
	return h.variant.send(h, resp, original)
}

func (h *Handler) Close() error { return nil }

// extractMessaging walks entry[] → messaging[] (Messenger, Instagram).
func extractMessaging(envelope map[string]interface{}) []map[string]interface{} {
	var items []map[string]interface{}
	entries, _ := envelope["entry"].([]interface{})
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		messaging, _ := entry["messaging"].([]interface{})
		for _, m := range messaging {
			if item, ok := m.(map[string]interface{}); ok {
				items = append(items, item)
			}
		}
	}
	return items
}

// extractChanges walks entry[] → changes[] → value.messages[] (WhatsApp).
// Each unit keeps its enclosing value so the parser can reach contacts
// and phone-number metadata.
func extractChanges(envelope map[string]interface{}) []map[string]interface{} {
	var items []map[string]interface{}
	entries, _ := envelope["entry"].([]interface{})
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		changes, _ := entry["changes"].([]interface{})
		for _, c := range changes {
			change, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			value, ok := change["value"].(map[string]interface{})
			if !ok {
				continue
			}
			messages, _ := value["messages"].([]interface{})
			for _, m := range messages {
				if msg, ok := m.(map[string]interface{}); ok {
					items = append(items, map[string]interface{}{
						"message": msg,
						"value":   value,
					})
				}
			}
		}
	}
	return items
}

// parseMessaging translates one Messenger/Instagram messaging item.
func (h *Handler) parseMessaging(raw map[string]interface{}) *platform.Message {
	// Delivery and read receipts are non-content events, not errors.
	if _, ok := raw["delivery"]; ok {
		return nil
	}
	if _, ok := raw["read"]; ok {
		return nil
	}

	sender, _ := raw["sender"].(map[string]interface{})
	senderID, _ := sender["id"].(string)
	if senderID == "" {
		return nil
	}
	if accountID := h.cfg.GetString("account_id"); accountID != "" && senderID == accountID {
		return nil
	}

	user := platform.User{
		ID:       senderID,
		Platform: h.variant.platform,
	}
	meta := map[string]interface{}{
		platform.MetaRecipientID: senderID,
	}

	if postback, ok := raw["postback"].(map[string]interface{}); ok {
		payload, _ := postback["payload"].(string)
		if payload == "" {
			return nil
		}
		return &platform.Message{
			ID:       platform.NewMessageID(),
			User:     user,
			Content:  payload,
			Type:     platform.MessageTypePostback,
			Raw:      marshalRaw(raw),
			Metadata: meta,
		}
	}

	message, ok := raw["message"].(map[string]interface{})
	if !ok {
		return nil
	}
	if echo, _ := message["is_echo"].(bool); echo {
		return nil
	}

	mid, _ := message["mid"].(string)
	if mid == "" {
		mid = platform.NewMessageID()
	}

	content, _ := message["text"].(string)
	msgType := platform.MessageTypeText
	if attachments, _ := message["attachments"].([]interface{}); len(attachments) > 0 {
		if att, ok := attachments[0].(map[string]interface{}); ok {
			msgType = attachmentType(att)
			if url := attachmentURL(att); url != "" {
				meta["attachment_url"] = url
			}
		}
	}
	if content == "" && msgType == platform.MessageTypeText {
		return nil
	}

	return &platform.Message{
		ID:       mid,
		User:     user,
		Content:  content,
		Type:     msgType,
		Raw:      marshalRaw(raw),
		Metadata: meta,
	}
}

// parseWhatsApp translates one WhatsApp Cloud message unit.
func (h *Handler) parseWhatsApp(raw map[string]interface{}) *platform.Message {
	message, ok := raw["message"].(map[string]interface{})
	if !ok {
		return nil
	}
	value, _ := raw["value"].(map[string]interface{})

	from, _ := message["from"].(string)
	if from == "" {
		return nil
	}

	id, _ := message["id"].(string)
	if id == "" {
		id = platform.NewMessageID()
	}

	user := platform.User{
		ID:       from,
		Platform: platform.PlatformWhatsApp,
	}
	if contacts, _ := value["contacts"].([]interface{}); len(contacts) > 0 {
		if contact, ok := contacts[0].(map[string]interface{}); ok {
			if profile, ok := contact["profile"].(map[string]interface{}); ok {
				user.DisplayName, _ = profile["name"].(string)
			}
		}
	}

	meta := map[string]interface{}{
		platform.MetaRecipientID: from,
	}
	if vm, ok := value["metadata"].(map[string]interface{}); ok {
		if pnID, _ := vm["phone_number_id"].(string); pnID != "" {
			meta[platform.MetaPhoneNumberID] = pnID
		}
	}

	var content string
	var msgType platform.MessageType

	kind, _ := message["type"].(string)
	switch kind {
	case "text":
		text, _ := message["text"].(map[string]interface{})
		content, _ = text["body"].(string)
		msgType = platform.MessageTypeText
	case "image":
		msgType = platform.MessageTypeImage
	case "audio", "voice":
		msgType = platform.MessageTypeAudio
	case "video":
		msgType = platform.MessageTypeVideo
	case "document":
		msgType = platform.MessageTypeFile
	case "location":
		msgType = platform.MessageTypeLocation
		if loc, ok := message["location"].(map[string]interface{}); ok {
			meta["latitude"] = loc["latitude"]
			meta["longitude"] = loc["longitude"]
		}
	case "sticker":
		msgType = platform.MessageTypeSticker
	case "button":
		button, _ := message["button"].(map[string]interface{})
		content, _ = button["payload"].(string)
		msgType = platform.MessageTypePostback
	case "interactive":
		content = interactivePayload(message)
		msgType = platform.MessageTypePostback
	default:
		return nil
	}
	if content == "" && msgType == platform.MessageTypeText {
		return nil
	}

	return &platform.Message{
		ID:       id,
		User:     user,
		Content:  content,
		Type:     msgType,
		Raw:      marshalRaw(raw),
		Metadata: meta,
	}
}

func interactivePayload(message map[string]interface{}) string {
	interactive, _ := message["interactive"].(map[string]interface{})
	if reply, ok := interactive["button_reply"].(map[string]interface{}); ok {
		id, _ := reply["id"].(string)
		return id
	}
	if reply, ok := interactive["list_reply"].(map[string]interface{}); ok {
		id, _ := reply["id"].(string)
		return id
	}
	return ""
}

func attachmentType(att map[string]interface{}) platform.MessageType {
	kind, _ := att["type"].(string)
	switch kind {
	case "image":
		return platform.MessageTypeImage
	case "audio":
		return platform.MessageTypeAudio
	case "video":
		return platform.MessageTypeVideo
	case "location":
		return platform.MessageTypeLocation
	default:
		return platform.MessageTypeFile
	}
}

func attachmentURL(att map[string]interface{}) string {
	payload, _ := att["payload"].(map[string]interface{})
	url, _ := payload["url"].(string)
	return url
}

func marshalRaw(raw map[string]interface{}) []byte {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return b
}
