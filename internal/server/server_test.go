package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/pkg/gateway"
	"github.com/chatrelay/chatrelay/pkg/platform"
)

// stubHandler answers webhooks with canned messages.
type stubHandler struct {
	platform platform.PlatformType
	messages []platform.Message
	gotBody  []byte
	gotSig   string
}

func (s *stubHandler) PlatformType() platform.PlatformType { return s.platform }
func (s *stubHandler) RequiredConfigFields() []string      { return nil }
func (s *stubHandler) ValidateConfig() bool                { return true }
func (s *stubHandler) IsEnabled() bool                     { return true }

func (s *stubHandler) ParseMessage(raw map[string]interface{}) *platform.Message { return nil }

func (s *stubHandler) HandleWebhook(body []byte, signature string) []platform.Message {
	s.gotBody = body
	s.gotSig = signature
	return s.messages
}

func (s *stubHandler) SendResponse(resp platform.Response, original platform.Message) bool {
	return true
}

func (s *stubHandler) Close() error { return nil }

// challengeStub additionally answers the Meta subscription handshake.
type challengeStub struct {
	stubHandler
	token string
}

func (c *challengeStub) VerifyToken() string { return c.token }

func newTestServer(t *testing.T, handlers ...platform.Handler) *Server {
	t.Helper()
	manager := gateway.NewManager(zerolog.Nop())
	for _, h := range handlers {
		require.True(t, manager.RegisterHandler(h))
	}
	return New(Options{RateLimitPerMinute: 1000}, manager, &echoProcessor{}, metrics.NewMetrics(), zerolog.Nop())
}

type echoProcessor struct{}

func (e *echoProcessor) Process(_ context.Context, msg platform.Message) (platform.Response, error) {
	return platform.Response{Content: msg.Content, Type: platform.ResponseTypeText}, nil
}

func postWebhook(s *Server, name string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/webhook/"+name, bytes.NewReader(body))
	r.SetPathValue("platform", name)
	r.RemoteAddr = "203.0.113.7:5555"
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.handleWebhook(w, r)
	return w
}

func TestHandleWebhook_Routes(t *testing.T) {
	h := &stubHandler{
		platform: platform.PlatformTelegram,
		messages: []platform.Message{{ID: "m1", Content: "hi"}},
	}
	s := newTestServer(t, h)

	w := postWebhook(s, "telegram", []byte(`{"update_id":1}`), map[string]string{
		"X-Telegram-Bot-Api-Secret-Token": "tok",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []byte(`{"update_id":1}`), h.gotBody)
	assert.Equal(t, "tok", h.gotSig)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["messages"])
}

func TestHandleWebhook_UnknownPlatformName(t *testing.T) {
	s := newTestServer(t)
	w := postWebhook(s, "irc", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleWebhook_UnregisteredPlatform(t *testing.T) {
	s := newTestServer(t)
	w := postWebhook(s, "telegram", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleWebhook_RejectedPayloadStillOK(t *testing.T) {
	h := &stubHandler{platform: platform.PlatformTelegram}
	s := newTestServer(t, h)

	w := postWebhook(s, "telegram", []byte(`{"update_id":1}`), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(0), resp["messages"])
}

func TestHandleWebhook_MetaSignatureHeaders(t *testing.T) {
	h := &stubHandler{platform: platform.PlatformMessenger}
	s := newTestServer(t, h)

	postWebhook(s, "messenger", []byte(`{}`), map[string]string{
		"X-Hub-Signature-256": "sha256=aa",
		"X-Hub-Signature":     "sha1=bb",
	})
	assert.Equal(t, "sha256=aa", h.gotSig)

	postWebhook(s, "messenger", []byte(`{}`), map[string]string{
		"X-Hub-Signature": "sha1=bb",
	})
	assert.Equal(t, "sha1=bb", h.gotSig)
}

func TestHandleWebhook_SlackHeadersPacked(t *testing.T) {
	h := &stubHandler{platform: platform.PlatformSlack}
	s := newTestServer(t, h)

	postWebhook(s, "slack", []byte(`{"type":"event_callback"}`), map[string]string{
		"X-Slack-Request-Timestamp": "1700000000",
		"X-Slack-Signature":         "v0=abc",
	})
	assert.Equal(t, "1700000000,v0=abc", h.gotSig)
}

// signatureStub additionally verifies request signatures, like the real
// Slack handler does.
type signatureStub struct {
	stubHandler
	valid       bool
	verifiedSig string
}

func (v *signatureStub) VerifySignature(body []byte, signature string) bool {
	v.verifiedSig = signature
	return v.valid
}

func TestHandleWebhook_SlackURLVerification(t *testing.T) {
	handshake := []byte(`{"type":"url_verification","challenge":"c123"}`)
	signedHeaders := map[string]string{
		"X-Slack-Request-Timestamp": "1700000000",
		"X-Slack-Signature":         "v0=abc",
	}

	t.Run("valid signature echoes challenge", func(t *testing.T) {
		h := &signatureStub{stubHandler: stubHandler{platform: platform.PlatformSlack}, valid: true}
		s := newTestServer(t, h)

		w := postWebhook(s, "slack", handshake, signedHeaders)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "c123")
		assert.Equal(t, "1700000000,v0=abc", h.verifiedSig)
		assert.Nil(t, h.gotBody, "challenge must not reach the handler")
	})

	t.Run("invalid signature is refused", func(t *testing.T) {
		h := &signatureStub{stubHandler: stubHandler{platform: platform.PlatformSlack}, valid: false}
		s := newTestServer(t, h)

		w := postWebhook(s, "slack", handshake, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.NotContains(t, w.Body.String(), "c123")
	})

	t.Run("no registered handler", func(t *testing.T) {
		s := newTestServer(t)

		w := postWebhook(s, "slack", handshake, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NotContains(t, w.Body.String(), "c123")
	})
}

func TestHandleWebhook_RateLimit(t *testing.T) {
	h := &stubHandler{platform: platform.PlatformTelegram}
	manager := gateway.NewManager(zerolog.Nop())
	require.True(t, manager.RegisterHandler(h))
	s := New(Options{RateLimitPerMinute: 2}, manager, nil, metrics.NewMetrics(), zerolog.Nop())

	assert.Equal(t, http.StatusOK, postWebhook(s, "telegram", []byte(`{}`), nil).Code)
	assert.Equal(t, http.StatusOK, postWebhook(s, "telegram", []byte(`{}`), nil).Code)

	w := postWebhook(s, "telegram", []byte(`{}`), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHandleChallenge(t *testing.T) {
	h := &challengeStub{
		stubHandler: stubHandler{platform: platform.PlatformMessenger},
		token:       "expected-token",
	}
	s := newTestServer(t, h)

	get := func(query string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/webhook/messenger?"+query, nil)
		r.SetPathValue("platform", "messenger")
		w := httptest.NewRecorder()
		s.handleChallenge(w, r)
		return w
	}

	w := get("hub.mode=subscribe&hub.verify_token=expected-token&hub.challenge=12345")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "12345", w.Body.String())

	assert.Equal(t, http.StatusForbidden, get("hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345").Code)
	assert.Equal(t, http.StatusForbidden, get("hub.mode=unsubscribe&hub.verify_token=expected-token").Code)
}

func TestHandleChallenge_NoHandshakePlatform(t *testing.T) {
	s := newTestServer(t, &stubHandler{platform: platform.PlatformTelegram})

	r := httptest.NewRequest(http.MethodGet, "/webhook/telegram?hub.mode=subscribe", nil)
	r.SetPathValue("platform", "telegram")
	w := httptest.NewRecorder()
	s.handleChallenge(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, &stubHandler{platform: platform.PlatformTelegram})

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}
