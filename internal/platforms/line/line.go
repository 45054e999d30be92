// Package line implements the LINE Messaging API handler. LINE signs the
// raw body with an unprefixed base64 HMAC-SHA256 (X-Line-Signature) and
// delivers replies against a short-lived reply token, falling back to a
// push to the source chat when the token was already consumed.
package line

import (
	"encoding/json"
	"sync"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/platform"
	"github.com/chatrelay/chatrelay/pkg/webhook"
)

// Handler serves LINE webhooks.
type Handler struct {
	cfg    platform.Config
	logger zerolog.Logger

	clientOnce sync.Once
	client     *messaging_api.MessagingApiAPI
	clientErr  error
}

// New constructs the LINE handler.
func New(cfg platform.Config, logger zerolog.Logger) (platform.Handler, error) {
	return &Handler{
		cfg:    cfg,
		logger: logger.With().Str("platform", string(platform.PlatformLine)).Logger(),
	}, nil
}

func (h *Handler) PlatformType() platform.PlatformType { return platform.PlatformLine }

func (h *Handler) RequiredConfigFields() []string {
	return []string{"channel_secret", "channel_token"}
}

func (h *Handler) ValidateConfig() bool {
	ok, _ := h.cfg.HasFields(h.RequiredConfigFields())
	return ok
}

func (h *Handler) IsEnabled() bool { return h.cfg.Enabled() }

func (h *Handler) HandleWebhook(body []byte, signature string) []platform.Message {
	if !h.verify(body, signature) {
		return nil
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.logger.Debug().Err(err).Msg("Webhook envelope is not valid JSON")
		return nil
	}
	events, ok := envelope["events"].([]interface{})
	if !ok {
		h.logger.Debug().Msg("Envelope has no events array")
		return nil
	}

	var messages []platform.Message
	for _, e := range events {
		event, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if msg := h.ParseMessage(event); msg != nil {
			messages = append(messages, *msg)
		}
	}
	return messages
}

func (h *Handler) verify(body []byte, signature string) bool {
	secret := h.cfg.GetString("channel_secret")
	if secret == "" {
		h.logger.Warn().Msg("No channel secret configured, accepting webhook unverified")
		return true
	}
	if signature == "" {
		h.logger.Debug().Msg("Webhook rejected: missing signature")
		return false
	}
	expected := webhook.ComputeBase64HMACSHA256(body, secret)
	if !webhook.SecureCompare(signature, expected) {
		h.logger.Debug().Msg("Webhook rejected: invalid signature")
		return false
	}
	return true
}

// ParseMessage translates one LINE event. Follow/unfollow/join and other
// non-message events parse to nil.
func (h *Handler) ParseMessage(raw map[string]interface{}) *platform.Message {
	eventType, _ := raw["type"].(string)

	source, _ := raw["source"].(map[string]interface{})
	userID, _ := source["userId"].(string)
	if userID == "" {
		return nil
	}

	meta := map[string]interface{}{}
	if token, _ := raw["replyToken"].(string); token != "" {
		meta[platform.MetaReplyToken] = token
	}
	// Push target when the reply token has expired: group > room > user.
	if groupID, _ := source["groupId"].(string); groupID != "" {
		meta[platform.MetaChatID] = groupID
	} else if roomID, _ := source["roomId"].(string); roomID != "" {
		meta[platform.MetaChatID] = roomID
	} else {
		meta[platform.MetaChatID] = userID
	}

	user := platform.User{
		ID:       userID,
		Platform: platform.PlatformLine,
	}

	switch eventType {
	case "message":
		message, ok := raw["message"].(map[string]interface{})
		if !ok {
			return nil
		}
		id, _ := message["id"].(string)
		if id == "" {
			id = platform.NewMessageID()
		}
		content, _ := message["text"].(string)
		msgType := lineMessageType(message)
		if content == "" && msgType == platform.MessageTypeText {
			return nil
		}
		return &platform.Message{
			ID:       id,
			User:     user,
			Content:  content,
			Type:     msgType,
			Raw:      rawJSON(raw),
			Metadata: meta,
		}
	case "postback":
		postback, _ := raw["postback"].(map[string]interface{})
		data, _ := postback["data"].(string)
		if data == "" {
			return nil
		}
		return &platform.Message{
			ID:       platform.NewMessageID(),
			User:     user,
			Content:  data,
			Type:     platform.MessageTypePostback,
			Raw:      rawJSON(raw),
			Metadata: meta,
		}
	default:
		return nil
	}
}

func lineMessageType(message map[string]interface{}) platform.MessageType {
	kind, _ := message["type"].(string)
	switch kind {
	case "image":
		return platform.MessageTypeImage
	case "audio":
		return platform.MessageTypeAudio
	case "video":
		return platform.MessageTypeVideo
	case "file":
		return platform.MessageTypeFile
	case "location":
		return platform.MessageTypeLocation
	case "sticker":
		return platform.MessageTypeSticker
	default:
		return platform.MessageTypeText
	}
}

func (h *Handler) SendResponse(resp platform.Response, original platform.Message) bool {
	client, err := h.messagingClient()
	if err != nil {
		h.logger.Error().Err(err).Msg("LINE client unavailable")
		return false
	}

	text := messaging_api.TextMessage{Text: resp.Content}

	if token := original.MetaString(platform.MetaReplyToken); token != "" {
		_, err := client.ReplyMessage(&messaging_api.ReplyMessageRequest{
			ReplyToken: token,
			Messages:   []messaging_api.MessageInterface{text},
		})
		if err == nil {
			return true
		}
		h.logger.Debug().Err(err).Msg("Reply token rejected, falling back to push")
	}

	to := original.MetaString(platform.MetaChatID)
	if to == "" {
		h.logger.Warn().Msg("Cannot send response: original message has no chat id")
		return false
	}
	if _, err := client.PushMessage(&messaging_api.PushMessageRequest{
		To:       to,
		Messages: []messaging_api.MessageInterface{text},
	}, ""); err != nil {
		h.logger.Error().Err(err).Msg("Push delivery failed")
		return false
	}
	return true
}

func (h *Handler) messagingClient() (*messaging_api.MessagingApiAPI, error) {
	h.clientOnce.Do(func() {
		h.client, h.clientErr = messaging_api.NewMessagingApiAPI(h.cfg.GetString("channel_token"))
	})
	return h.client, h.clientErr
}

func (h *Handler) Close() error { return nil }

func rawJSON(raw map[string]interface{}) []byte {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return b
}
