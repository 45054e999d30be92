package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Gateway opcodes used by the worker.
const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opHello        = 10
	opHeartbeatACK = 11
)

// GUILDS | GUILD_MESSAGES | DIRECT_MESSAGES | MESSAGE_CONTENT
const defaultIntents = (1 << 0) | (1 << 9) | (1 << 12) | (1 << 15)

const (
	defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	defaultRESTURL    = "https://discord.com/api/v10"
)

type gatewayPayload struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

type sendRequest struct {
	channelID string
	content   string
	result    chan error
}

// worker owns the long-lived gateway connection and the event loop. It is
// the single producer for the handler's queue; outbound sends are
// scheduled onto its loop through the sends channel.
type worker struct {
	token      string
	gatewayURL string
	restURL    string
	logger     zerolog.Logger
	queue      *BoundedQueue
	parse      func(raw map[string]interface{})

	sends    chan sendRequest
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	http     *http.Client

	selfID atomic.Value // string
	seq    atomic.Int64
}

func newWorker(token, gatewayURL, restURL string, queue *BoundedQueue, parse func(raw map[string]interface{}), logger zerolog.Logger) *worker {
	if gatewayURL == "" {
		gatewayURL = defaultGatewayURL
	}
	if restURL == "" {
		restURL = defaultRESTURL
	}
	w := &worker{
		token:      token,
		gatewayURL: gatewayURL,
		restURL:    restURL,
		logger:     logger,
		queue:      queue,
		parse:      parse,
		sends:      make(chan sendRequest),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		http:       &http.Client{Timeout: 15 * time.Second},
	}
	w.selfID.Store("")
	return w
}

// Start launches the run loop.
func (w *worker) Start() {
	go w.run()
}

// Stop shuts the worker down and waits for the loop to exit.
func (w *worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		w.logger.Warn().Msg("Gateway worker did not stop in time")
	}
}

// SelfID returns the bot's own user id once READY has been seen.
func (w *worker) SelfID() string {
	id, _ := w.selfID.Load().(string)
	return id
}

func (w *worker) run() {
	defer close(w.done)

	backoff := time.Second
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		if err := w.connectAndServe(); err != nil {
			w.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Gateway connection lost, reconnecting")
		}

		select {
		case <-w.stop:
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (w *worker) connectAndServe() error {
	conn, _, err := websocket.DefaultDialer.Dial(w.gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	defer conn.Close()

	hello, err := readPayload(conn)
	if err != nil {
		return fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return fmt.Errorf("malformed hello: %w", err)
	}
	interval := time.Duration(helloData.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}

	if err := w.identify(conn); err != nil {
		return err
	}
	w.logger.Info().Msg("Gateway connection established")

	events := make(chan gatewayPayload)
	readErr := make(chan error, 1)
	go func() {
		for {
			payload, err := readPayload(conn)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case events <- payload:
			case <-w.stop:
				return
			}
		}
	}()

	var writeMu sync.Mutex
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-w.stop:
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			writeMu.Unlock()
			return nil
		case err := <-readErr:
			return err
		case <-heartbeat.C:
			seq := w.seq.Load()
			writeMu.Lock()
			err := conn.WriteJSON(gatewayPayload{Op: opHeartbeat, D: mustRaw(seq)})
			writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("heartbeat failed: %w", err)
			}
		case req := <-w.sends:
			// REST delivery happens on the loop so sends observe the
			// same lifecycle as the connection.
			req.result <- w.postMessage(req.channelID, req.content)
		case payload := <-events:
			w.handleEvent(payload)
		}
	}
}

func (w *worker) identify(conn *websocket.Conn) error {
	identify := map[string]interface{}{
		"op": opIdentify,
		"d": map[string]interface{}{
			"token":   w.token,
			"intents": defaultIntents,
			"properties": map[string]string{
				"os":      runtime.GOOS,
				"browser": "chatrelay",
				"device":  "chatrelay",
			},
		},
	}
	if err := conn.WriteJSON(identify); err != nil {
		return fmt.Errorf("identify failed: %w", err)
	}
	return nil
}

func (w *worker) handleEvent(payload gatewayPayload) {
	if payload.S != nil {
		w.seq.Store(*payload.S)
	}
	if payload.Op != opDispatch {
		return
	}

	switch payload.T {
	case "READY":
		var ready struct {
			User struct {
				ID string `json:"id"`
			} `json:"user"`
		}
		if err := json.Unmarshal(payload.D, &ready); err == nil && ready.User.ID != "" {
			w.selfID.Store(ready.User.ID)
		}
	case "MESSAGE_CREATE":
		var raw map[string]interface{}
		if err := json.Unmarshal(payload.D, &raw); err != nil {
			w.logger.Debug().Err(err).Msg("Malformed MESSAGE_CREATE payload")
			return
		}
		w.parse(raw)
	}
}

// Schedule hands a send to the loop and waits for the result with a
// timeout. Timeout and worker-down both resolve to an error, never a
// panic or a hang.
func (w *worker) Schedule(channelID, content string, timeout time.Duration) error {
	req := sendRequest{
		channelID: channelID,
		content:   content,
		result:    make(chan error, 1),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case w.sends <- req:
	case <-w.done:
		return fmt.Errorf("gateway worker is not running")
	case <-timer.C:
		return fmt.Errorf("timed out scheduling send")
	}

	select {
	case err := <-req.result:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out waiting for send result")
	}
}

func (w *worker) postMessage(channelID, content string) error {
	nonce, err := gonanoid.New()
	if err != nil {
		nonce = ""
	}
	body, err := json.Marshal(map[string]string{
		"content": content,
		"nonce":   nonce,
	})
	if err != nil {
		return fmt.Errorf("failed to encode message payload: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages", w.restURL, channelID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+w.token)

	res, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("message request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("discord API returned %d: %s", res.StatusCode, detail)
	}
	return nil
}

func readPayload(conn *websocket.Conn) (gatewayPayload, error) {
	var payload gatewayPayload
	_, data, err := conn.ReadMessage()
	if err != nil {
		return payload, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, err
	}
	return payload, nil
}

func mustRaw(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
