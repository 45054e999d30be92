package meta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/platform"
)

// graphClient posts delivery calls to the Graph API. The base URL is
// overridable through config for tests.
type graphClient struct {
	baseURL     string
	apiVersion  string
	accessToken string
	http        *http.Client
	logger      zerolog.Logger
}

func newGraphClient(cfg platform.Config, logger zerolog.Logger) *graphClient {
	baseURL := cfg.GetString("graph_base_url")
	if baseURL == "" {
		baseURL = "https://graph.facebook.com"
	}
	apiVersion := cfg.GetString("api_version")
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	return &graphClient{
		baseURL:     baseURL,
		apiVersion:  apiVersion,
		accessToken: cfg.GetString("access_token"),
		http:        &http.Client{Timeout: 15 * time.Second},
		logger:      logger,
	}
}

func (c *graphClient) post(path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode graph payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, path)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("graph API returned %d: %s", res.StatusCode, detail)
	}
	return nil
}

// sendMessaging delivers a reply through the Messenger/Instagram Send API.
func (h *Handler) sendMessaging(resp platform.Response, original platform.Message) bool {
	recipient := original.MetaString(platform.MetaRecipientID)
	if recipient == "" {
		h.logger.Warn().Msg("Cannot send response: original message has no recipient id")
		return false
	}

	payload := map[string]interface{}{
		"recipient": map[string]string{"id": recipient},
		"message":   map[string]string{"text": resp.Content},
	}
	if err := h.graph.post("me/messages", payload); err != nil {
		h.logger.Error().Err(err).Msg("Send API delivery failed")
		return false
	}
	return true
}

// sendWhatsApp delivers a reply through the WhatsApp Cloud API. The
// phone-number id from the inbound envelope wins over the configured one.
func (h *Handler) sendWhatsApp(resp platform.Response, original platform.Message) bool {
	to := original.MetaString(platform.MetaRecipientID)
	if to == "" {
		h.logger.Warn().Msg("Cannot send response: original message has no recipient id")
		return false
	}
	phoneNumberID := original.MetaString(platform.MetaPhoneNumberID)
	if phoneNumberID == "" {
		phoneNumberID = h.cfg.GetString("phone_number_id")
	}
	if phoneNumberID == "" {
		h.logger.Warn().Msg("Cannot send response: no phone number id available")
		return false
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": resp.Content},
	}
	if err := h.graph.post(phoneNumberID+"/messages", payload); err != nil {
		h.logger.Error().Err(err).Msg("WhatsApp Cloud delivery failed")
		return false
	}
	return true
}
