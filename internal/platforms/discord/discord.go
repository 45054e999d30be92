// Package discord adapts Discord's persistent gateway connection into the
// webhook-shaped handler contract. A background worker owns the websocket
// and feeds a bounded queue of normalized messages; HandleWebhook becomes
// a bounded drain of that queue, so the manager sees the same interface
// as any request/response platform.
package discord

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/platform"
)

const (
	drainMax    = 32
	drainWait   = 50 * time.Millisecond
	sendTimeout = 5 * time.Second
)

// Handler serves Discord through a background gateway worker.
type Handler struct {
	cfg    platform.Config
	logger zerolog.Logger
	queue  *BoundedQueue

	mu     sync.Mutex
	worker *worker
}

// New constructs the Discord handler. The gateway worker starts lazily on
// first use, not at construction.
func New(cfg platform.Config, logger zerolog.Logger) (platform.Handler, error) {
	return &Handler{
		cfg:    cfg,
		logger: logger.With().Str("platform", string(platform.PlatformDiscord)).Logger(),
		queue:  NewBoundedQueue(cfg.GetInt("queue_size")),
	}, nil
}

func (h *Handler) PlatformType() platform.PlatformType { return platform.PlatformDiscord }

func (h *Handler) RequiredConfigFields() []string {
	return []string{"bot_token"}
}

func (h *Handler) ValidateConfig() bool {
	ok, _ := h.cfg.HasFields(h.RequiredConfigFields())
	return ok
}

func (h *Handler) IsEnabled() bool { return h.cfg.Enabled() }

// HandleWebhook starts the gateway worker if needed and drains whatever
// the worker has queued. The signature argument is unused: the gateway
// connection authenticates with the bot token at the transport level.
func (h *Handler) HandleWebhook(_ []byte, _ string) []platform.Message {
	h.ensureWorker()
	return h.queue.Drain(drainMax, drainWait)
}

// ParseMessage translates one MESSAGE_CREATE payload. Messages from bots,
// including our own account, parse to nil.
func (h *Handler) ParseMessage(raw map[string]interface{}) *platform.Message {
	author, _ := raw["author"].(map[string]interface{})
	authorID, _ := author["id"].(string)
	if authorID == "" {
		return nil
	}
	if bot, _ := author["bot"].(bool); bot {
		return nil
	}
	if self := h.selfID(); self != "" && authorID == self {
		return nil
	}

	channelID, _ := raw["channel_id"].(string)
	if channelID == "" {
		return nil
	}
	content, _ := raw["content"].(string)

	msgType := platform.MessageTypeText
	if attachments, _ := raw["attachments"].([]interface{}); len(attachments) > 0 {
		msgType = platform.MessageTypeFile
	}
	if content == "" && msgType == platform.MessageTypeText {
		return nil
	}

	id, _ := raw["id"].(string)
	if id == "" {
		id = platform.NewMessageID()
	}

	username, _ := author["username"].(string)
	displayName, _ := author["global_name"].(string)

	return &platform.Message{
		ID: id,
		User: platform.User{
			ID:          authorID,
			Platform:    platform.PlatformDiscord,
			DisplayName: displayName,
			Username:    username,
		},
		Content:  content,
		Type:     msgType,
		Raw:      rawJSON(raw),
		Metadata: map[string]interface{}{
			platform.MetaChannelID: channelID,
		},
	}
}

// SendResponse schedules delivery onto the worker loop and blocks on the
// result with a timeout. Timeout and worker-down both resolve to false.
func (h *Handler) SendResponse(resp platform.Response, original platform.Message) bool {
	channelID := original.MetaString(platform.MetaChannelID)
	if channelID == "" {
		h.logger.Warn().Msg("Cannot send response: original message has no channel id")
		return false
	}

	w := h.ensureWorker()
	if err := w.Schedule(channelID, resp.Content, sendTimeout); err != nil {
		h.logger.Error().Err(err).Msg("Gateway delivery failed")
		return false
	}
	return true
}

// Close stops the background worker. The handler can no longer serve
// traffic afterwards; replacement handlers get a fresh worker.
func (h *Handler) Close() error {
	h.mu.Lock()
	w := h.worker
	h.worker = nil
	h.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	return nil
}

// QueueStats exposes queue depth and drop count for operational
// reporting.
func (h *Handler) QueueStats() (depth int, dropped uint64) {
	return h.queue.Len(), h.queue.Dropped()
}

func (h *Handler) ensureWorker() *worker {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.worker == nil {
		h.worker = newWorker(
			h.cfg.GetString("bot_token"),
			h.cfg.GetString("gateway_url"),
			h.cfg.GetString("rest_url"),
			h.queue,
			h.enqueue,
			h.logger,
		)
		h.worker.Start()
	}
	return h.worker
}

// enqueue is the worker's callback for dispatched message payloads.
func (h *Handler) enqueue(raw map[string]interface{}) {
	msg := h.ParseMessage(raw)
	if msg == nil {
		return
	}
	h.queue.Push(*msg)
}

func (h *Handler) selfID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.worker == nil {
		return ""
	}
	return h.worker.SelfID()
}

func rawJSON(raw map[string]interface{}) []byte {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return b
}
