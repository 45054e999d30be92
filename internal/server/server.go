// Package server is the thin HTTP front door. It owns everything the
// handler core deliberately does not: reading request bodies, extracting
// each platform's signature header, rate limiting, the Meta subscription
// handshake, and mapping the manager's "unknown platform" signal to 404.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/internal/metrics"
	slackplatform "github.com/chatrelay/chatrelay/internal/platforms/slack"
	"github.com/chatrelay/chatrelay/internal/responder"
	"github.com/chatrelay/chatrelay/pkg/gateway"
	"github.com/chatrelay/chatrelay/pkg/platform"
)

const maxBodyBytes = 1 << 20

// Options configures the front door.
type Options struct {
	Host               string
	Port               int
	RateLimitPerMinute int
}

// Server routes inbound webhooks to the manager and replies through the
// responder pipeline.
type Server struct {
	options     Options
	manager     *gateway.Manager
	processor   responder.Processor
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	rateLimiter *RateLimiter

	server       *http.Server
	inFlight     sync.WaitGroup
	shutdownMu   sync.RWMutex
	shuttingDown bool
}

// New creates the front door.
func New(options Options, manager *gateway.Manager, processor responder.Processor, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.Port == 0 {
		options.Port = 8080
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 300
	}

	return &Server{
		options:     options,
		manager:     manager,
		processor:   processor,
		metrics:     m,
		logger:      logger.With().Str("component", "server").Logger(),
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute),
	}
}

// Start starts serving. It blocks until the listener closes.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("POST /webhook/{platform}", s.handleWebhook)
	mux.HandleFunc("GET /webhook/{platform}", s.handleChallenge)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting webhook server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start webhook server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, waiting for in-flight requests.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown webhook server: %w", err)
	}
	s.logger.Info().Msg("Webhook server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"platforms": s.manager.EnabledPlatforms(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.shuttingDown {
		s.shutdownMu.RUnlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
		return
	}
	s.inFlight.Add(1)
	s.shutdownMu.RUnlock()
	defer s.inFlight.Done()

	requestID := uuid.NewString()
	log := s.logger.With().Str("request_id", requestID).Logger()

	ip := clientIP(r)
	if !s.rateLimiter.Allow(ip) {
		s.metrics.RequestsRateLimitedTotal.Inc()
		w.Header().Set("Retry-After", fmt.Sprint(s.rateLimiter.RetryAfter(ip)))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	name := r.PathValue("platform")
	t, err := platform.ParsePlatformType(name)
	if err != nil {
		s.metrics.UnknownPlatformTotal.Inc()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown platform"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	// Slack's endpoint handshake expects the challenge echoed back. The
	// handshake is signed like any other event, so verify before echoing.
	if t == platform.PlatformSlack {
		if challenge := slackChallenge(body); challenge != "" {
			h, ok := s.manager.Handler(t)
			if !ok {
				s.metrics.UnknownPlatformTotal.Inc()
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown platform"})
				return
			}
			verifier, ok := h.(interface {
				VerifySignature(body []byte, signature string) bool
			})
			if ok && !verifier.VerifySignature(body, signatureFromRequest(t, r)) {
				log.Warn().Msg("Rejecting unsigned Slack URL verification challenge")
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "verification failed"})
				return
			}
			log.Info().Msg("Answering Slack URL verification challenge")
			writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
			return
		}
	}

	s.metrics.WebhooksReceivedTotal.WithLabelValues(string(t)).Inc()

	messages, known := s.manager.HandleWebhook(t, body, signatureFromRequest(t, r))
	if !known {
		s.metrics.UnknownPlatformTotal.Inc()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown platform"})
		return
	}
	if len(messages) == 0 {
		s.metrics.WebhooksRejectedTotal.WithLabelValues(string(t)).Inc()
	}

	for _, msg := range messages {
		s.metrics.MessagesExtractedTotal.WithLabelValues(string(t)).Inc()
		go s.process(t, msg, log)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "received",
		"messages": len(messages),
	})
}

// handleChallenge answers the Meta family's GET subscription handshake.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	t, err := platform.ParsePlatformType(r.PathValue("platform"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown platform"})
		return
	}
	h, ok := s.manager.Handler(t)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown platform"})
		return
	}
	verifier, ok := h.(platform.ChallengeVerifier)
	if !ok {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "platform has no handshake"})
		return
	}

	query := r.URL.Query()
	if query.Get("hub.mode") != "subscribe" || query.Get("hub.verify_token") != verifier.VerifyToken() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "verification failed"})
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, query.Get("hub.challenge"))
}

// process runs one message through the downstream pipeline and delivers
// the reply. Failures are logged, never surfaced to the webhook caller.
func (s *Server) process(t platform.PlatformType, msg platform.Message, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	resp, err := s.processor.Process(ctx, msg)
	if err != nil {
		log.Error().Err(err).Str("platform", string(t)).Msg("Response pipeline failed")
		s.metrics.ResponsesFailedTotal.WithLabelValues(string(t)).Inc()
		return
	}

	h, ok := s.manager.Handler(t)
	if !ok {
		log.Warn().Str("platform", string(t)).Msg("Handler disappeared before delivery")
		s.metrics.ResponsesFailedTotal.WithLabelValues(string(t)).Inc()
		return
	}
	if !h.SendResponse(resp, msg) {
		s.metrics.ResponsesFailedTotal.WithLabelValues(string(t)).Inc()
		return
	}
	s.metrics.ResponsesSentTotal.WithLabelValues(string(t)).Inc()
}

// signatureFromRequest extracts the platform-specific signature header.
// The value is passed through to the handler unmodified, except for
// Slack, whose two headers travel packed into one string.
func signatureFromRequest(t platform.PlatformType, r *http.Request) string {
	switch t {
	case platform.PlatformMessenger, platform.PlatformWhatsApp, platform.PlatformInstagram:
		if sig := r.Header.Get("X-Hub-Signature-256"); sig != "" {
			return sig
		}
		return r.Header.Get("X-Hub-Signature")
	case platform.PlatformLine:
		return r.Header.Get("X-Line-Signature")
	case platform.PlatformSlack:
		return slackplatform.CombineSignature(
			r.Header.Get(slackplatform.TimestampHeader),
			r.Header.Get(slackplatform.SignatureHeader),
		)
	case platform.PlatformTelegram:
		return r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	default:
		return ""
	}
}

func slackChallenge(body []byte) string {
	var envelope struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Type != "url_verification" {
		return ""
	}
	return envelope.Challenge
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
