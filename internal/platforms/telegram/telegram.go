// Package telegram implements the Telegram Bot API webhook handler.
// Telegram authenticates webhooks with a bare shared secret
// (X-Telegram-Bot-Api-Secret-Token) rather than a body HMAC.
package telegram

import (
	"encoding/json"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/platform"
	"github.com/chatrelay/chatrelay/pkg/webhook"
)

// Handler serves Telegram bot webhooks.
type Handler struct {
	cfg    platform.Config
	logger zerolog.Logger

	apiOnce sync.Once
	api     *tgbotapi.BotAPI
	apiErr  error
}

// New constructs the Telegram handler. The Bot API client is dialed
// lazily on first send; construction stays network-free.
func New(cfg platform.Config, logger zerolog.Logger) (platform.Handler, error) {
	return &Handler{
		cfg:    cfg,
		logger: logger.With().Str("platform", string(platform.PlatformTelegram)).Logger(),
	}, nil
}

func (h *Handler) PlatformType() platform.PlatformType { return platform.PlatformTelegram }

func (h *Handler) RequiredConfigFields() []string {
	return []string{"bot_token"}
}

func (h *Handler) ValidateConfig() bool {
	ok, _ := h.cfg.HasFields(h.RequiredConfigFields())
	return ok
}

func (h *Handler) IsEnabled() bool { return h.cfg.Enabled() }

func (h *Handler) HandleWebhook(body []byte, signature string) []platform.Message {
	if secret := h.cfg.GetString("webhook_secret"); secret != "" {
		if !webhook.SecureCompare(signature, secret) {
			h.logger.Debug().Msg("Webhook rejected: secret token mismatch")
			return nil
		}
	} else {
		h.logger.Warn().Msg("No webhook secret configured, accepting webhook unverified")
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.logger.Debug().Err(err).Msg("Webhook envelope is not valid JSON")
		return nil
	}
	if _, ok := envelope["update_id"]; !ok {
		h.logger.Debug().Msg("Envelope is not a Telegram update")
		return nil
	}

	if msg := h.ParseMessage(envelope); msg != nil {
		return []platform.Message{*msg}
	}
	return nil
}

// ParseMessage translates one Telegram update. Messages from bots are
// echoes of our own traffic or other automation and parse to nil, as do
// edits and non-message updates.
func (h *Handler) ParseMessage(raw map[string]interface{}) *platform.Message {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var update tgbotapi.Update
	if err := json.Unmarshal(encoded, &update); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to decode update")
		return nil
	}

	if update.CallbackQuery != nil {
		return h.parseCallback(update.CallbackQuery, encoded)
	}

	message := update.Message
	if message == nil || message.From == nil || message.Chat == nil {
		return nil
	}
	if message.From.IsBot {
		return nil
	}

	content := message.Text
	msgType := platform.MessageTypeText
	switch {
	case len(message.Photo) > 0:
		msgType = platform.MessageTypeImage
		content = message.Caption
	case message.Voice != nil || message.Audio != nil:
		msgType = platform.MessageTypeAudio
	case message.Video != nil:
		msgType = platform.MessageTypeVideo
	case message.Document != nil:
		msgType = platform.MessageTypeFile
		content = message.Caption
	case message.Location != nil:
		msgType = platform.MessageTypeLocation
	case message.Sticker != nil:
		msgType = platform.MessageTypeSticker
	}
	if content == "" && msgType == platform.MessageTypeText {
		return nil
	}

	return &platform.Message{
		ID:       strconv.Itoa(message.MessageID),
		User:     userFrom(message.From),
		Content:  content,
		Type:     msgType,
		Raw:      encoded,
		Metadata: map[string]interface{}{
			platform.MetaChatID: strconv.FormatInt(message.Chat.ID, 10),
		},
	}
}

func (h *Handler) parseCallback(query *tgbotapi.CallbackQuery, raw []byte) *platform.Message {
	if query.From == nil || query.Data == "" || query.Message == nil || query.Message.Chat == nil {
		return nil
	}
	return &platform.Message{
		ID:       query.ID,
		User:     userFrom(query.From),
		Content:  query.Data,
		Type:     platform.MessageTypePostback,
		Raw:      raw,
		Metadata: map[string]interface{}{
			platform.MetaChatID: strconv.FormatInt(query.Message.Chat.ID, 10),
		},
	}
}

func userFrom(from *tgbotapi.User) platform.User {
	displayName := from.FirstName
	if from.LastName != "" {
		displayName += " " + from.LastName
	}
	return platform.User{
		ID:          strconv.FormatInt(from.ID, 10),
		Platform:    platform.PlatformTelegram,
		DisplayName: displayName,
		Username:    from.UserName,
	}
}

func (h *Handler) SendResponse(resp platform.Response, original platform.Message) bool {
	chatID, err := strconv.ParseInt(original.MetaString(platform.MetaChatID), 10, 64)
	if err != nil {
		h.logger.Warn().Msg("Cannot send response: original message has no chat id")
		return false
	}

	api, err := h.botAPI()
	if err != nil {
		h.logger.Error().Err(err).Msg("Telegram API unavailable")
		return false
	}
	if _, err := api.Send(tgbotapi.NewMessage(chatID, resp.Content)); err != nil {
		h.logger.Error().Err(err).Msg("sendMessage delivery failed")
		return false
	}
	return true
}

func (h *Handler) botAPI() (*tgbotapi.BotAPI, error) {
	h.apiOnce.Do(func() {
		h.api, h.apiErr = tgbotapi.NewBotAPI(h.cfg.GetString("bot_token"))
	})
	return h.api, h.apiErr
}

func (h *Handler) Close() error { return nil }
