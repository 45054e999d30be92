package gateway

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/platform"
)

// Manager is the single long-lived routing object the rest of the system
// talks to. It owns the platform → handler map, built during startup (or
// reconfiguration) and read continuously under traffic.
//
// The manager is the last line of defense: it re-validates handlers on
// registration and recovers anything a handler fails to contain, so one
// platform's bug can never take down the process or another platform's
// traffic.
type Manager struct {
	mu       sync.RWMutex
	handlers map[platform.PlatformType]platform.Handler
	logger   zerolog.Logger
}

// NewManager constructs an empty manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		handlers: make(map[platform.PlatformType]platform.Handler),
		logger:   logger.With().Str("component", "manager").Logger(),
	}
}

// RegisterHandler stores a handler keyed by its platform type. The
// handler's config and enabled flag are checked again even though callers
// should have gone through the factory. A previously registered handler
// for the same platform is closed before being replaced. Returns false,
// with a logged reason, instead of raising.
func (m *Manager) RegisterHandler(h platform.Handler) bool {
	if h == nil {
		m.logger.Error().Msg("Refusing to register nil handler")
		return false
	}
	t := h.PlatformType()
	if !h.ValidateConfig() {
		m.logger.Warn().Str("platform", string(t)).Msg("Refusing to register handler with invalid config")
		return false
	}
	if !h.IsEnabled() {
		m.logger.Warn().Str("platform", string(t)).Msg("Refusing to register disabled handler")
		return false
	}

	m.mu.Lock()
	previous := m.handlers[t]
	m.handlers[t] = h
	m.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			m.logger.Warn().Err(err).Str("platform", string(t)).Msg("Failed to close replaced handler")
		}
	}

	m.logger.Info().Str("platform", string(t)).Msg("Handler registered")
	return true
}

// Unregister removes and closes the handler for a platform. Used when a
// reconfiguration disables a previously enabled platform.
func (m *Manager) Unregister(t platform.PlatformType) bool {
	m.mu.Lock()
	h, ok := m.handlers[t]
	delete(m.handlers, t)
	m.mu.Unlock()

	if !ok {
		return false
	}
	if err := h.Close(); err != nil {
		m.logger.Warn().Err(err).Str("platform", string(t)).Msg("Failed to close unregistered handler")
	}
	m.logger.Info().Str("platform", string(t)).Msg("Handler unregistered")
	return true
}

// Handler returns the registered handler for a platform.
func (m *Manager) Handler(t platform.PlatformType) (platform.Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[t]
	return h, ok
}

// EnabledPlatforms returns the sorted platforms with a registered handler.
func (m *Manager) EnabledPlatforms() []platform.PlatformType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	platforms := make([]platform.PlatformType, 0, len(m.handlers))
	for t := range m.handlers {
		platforms = append(platforms, t)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

// HandleWebhook routes one inbound (body, signature) pair to the handler
// for the named platform. The second return value is false when no
// handler is registered for the platform, which the HTTP layer maps to a
// 404; a registered handler rejecting the payload yields (nil, true).
func (m *Manager) HandleWebhook(t platform.PlatformType, body []byte, signature string) (messages []platform.Message, known bool) {
	h, ok := m.Handler(t)
	if !ok {
		m.logger.Debug().Str("platform", string(t)).Msg("Webhook for unknown platform")
		return nil, false
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("platform", string(t)).
				Interface("panic", r).
				Msg("Handler panicked processing webhook")
			messages = nil
			known = true
		}
	}()

	return h.HandleWebhook(body, signature), true
}

// Close closes every registered handler and empties the map.
func (m *Manager) Close() error {
	m.mu.Lock()
	handlers := m.handlers
	m.handlers = make(map[platform.PlatformType]platform.Handler)
	m.mu.Unlock()

	var firstErr error
	for t, h := range handlers {
		if err := h.Close(); err != nil {
			m.logger.Warn().Err(err).Str("platform", string(t)).Msg("Handler close failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
