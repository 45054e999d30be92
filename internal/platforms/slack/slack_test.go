package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/pkg/platform"
)

const signingSecret = "slack-signing-secret"

var fixedNow = time.Unix(1700000000, 0)

func slackHandler(t *testing.T) *Handler {
	t.Helper()
	h, err := New(platform.Config{
		"enabled":        true,
		"signing_secret": signingSecret,
		"bot_token":      "xoxb-test",
		"bot_user_id":    "UBOT",
	}, zerolog.Nop())
	require.NoError(t, err)
	handler := h.(*Handler)
	handler.now = func() time.Time { return fixedNow }
	return handler
}

func signAt(body []byte, ts time.Time) string {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(signingSecret))
	fmt.Fprintf(mac, "v0:%s:%s", timestamp, body)
	return CombineSignature(timestamp, "v0="+hex.EncodeToString(mac.Sum(nil)))
}

func eventBody(event string) []byte {
	return []byte(fmt.Sprintf(`{"type":"event_callback","event":%s}`, event))
}

func TestHandleWebhook_Message(t *testing.T) {
	h := slackHandler(t)
	body := eventBody(`{"type":"message","user":"U123","channel":"C456","text":"hello","ts":"1700000000.000100"}`)

	messages := h.HandleWebhook(body, signAt(body, fixedNow))
	require.Len(t, messages, 1)
	msg := messages[0]
	assert.Equal(t, "1700000000.000100", msg.ID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "U123", msg.User.ID)
	assert.Equal(t, platform.PlatformSlack, msg.User.Platform)
	assert.Equal(t, "C456", msg.MetaString(platform.MetaChannelID))
}

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	h := slackHandler(t)
	body := eventBody(`{"type":"message","user":"U123","channel":"C456","text":"hello"}`)

	timestamp := strconv.FormatInt(fixedNow.Unix(), 10)
	assert.Nil(t, h.HandleWebhook(body, CombineSignature(timestamp, "v0="+hex.EncodeToString(make([]byte, 32)))))
	assert.Nil(t, h.HandleWebhook(body, ""))
	assert.Nil(t, h.HandleWebhook(body, "no-comma"))
}

func TestHandleWebhook_RejectsStaleTimestamp(t *testing.T) {
	h := slackHandler(t)
	body := eventBody(`{"type":"message","user":"U123","channel":"C456","text":"hello"}`)

	// Correctly signed, but outside the replay window in both directions.
	assert.Nil(t, h.HandleWebhook(body, signAt(body, fixedNow.Add(-6*time.Minute))))
	assert.Nil(t, h.HandleWebhook(body, signAt(body, fixedNow.Add(6*time.Minute))))

	// Inside the window still passes.
	assert.Len(t, h.HandleWebhook(body, signAt(body, fixedNow.Add(-4*time.Minute))), 1)
}

func TestHandleWebhook_IgnoresNonEventEnvelopes(t *testing.T) {
	h := slackHandler(t)
	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)

	assert.Nil(t, h.HandleWebhook(body, signAt(body, fixedNow)))
}

func TestHandleWebhook_SuppressesBotEchoes(t *testing.T) {
	h := slackHandler(t)
	events := []string{
		`{"type":"message","bot_id":"B999","channel":"C456","text":"from a bot"}`,
		`{"type":"message","user":"UBOT","channel":"C456","text":"our own message"}`,
		`{"type":"message","subtype":"message_changed","user":"U123","channel":"C456","text":"edited"}`,
		`{"type":"message","subtype":"message_deleted","user":"U123","channel":"C456"}`,
	}
	for _, event := range events {
		body := eventBody(event)
		assert.Nil(t, h.HandleWebhook(body, signAt(body, fixedNow)), "event %s", event)
	}
}

func TestHandleWebhook_AppMention(t *testing.T) {
	h := slackHandler(t)
	body := eventBody(`{"type":"app_mention","user":"U123","channel":"C456","text":"<@UBOT> help","ts":"1700000000.000200"}`)

	messages := h.HandleWebhook(body, signAt(body, fixedNow))
	require.Len(t, messages, 1)
	assert.Equal(t, "<@UBOT> help", messages[0].Content)
}

func TestHandleWebhook_ThreadTS(t *testing.T) {
	h := slackHandler(t)
	body := eventBody(`{"type":"message","user":"U123","channel":"C456","text":"in thread","ts":"2.0","thread_ts":"1.0"}`)

	messages := h.HandleWebhook(body, signAt(body, fixedNow))
	require.Len(t, messages, 1)
	assert.Equal(t, "1.0", messages[0].MetaString(platform.MetaThreadTS))
}

func TestVerifySignature(t *testing.T) {
	h := slackHandler(t)
	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)

	assert.True(t, h.VerifySignature(body, signAt(body, fixedNow)))
	assert.False(t, h.VerifySignature(body, ""))
	assert.False(t, h.VerifySignature(body, signAt(body, fixedNow.Add(-6*time.Minute))))
	assert.False(t, h.VerifySignature([]byte(`{"tampered":true}`), signAt(body, fixedNow)))
}

func TestCombineSignature_RoundTrip(t *testing.T) {
	ts, sig := splitSignature(CombineSignature("1700000000", "v0=abc"))
	assert.Equal(t, "1700000000", ts)
	assert.Equal(t, "v0=abc", sig)

	ts, sig = splitSignature("malformed")
	assert.Empty(t, ts)
	assert.Empty(t, sig)
}

func TestValidateConfig(t *testing.T) {
	h, err := New(platform.Config{"enabled": true, "signing_secret": "s"}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, h.ValidateConfig())
	assert.True(t, slackHandler(t).ValidateConfig())
}
