package daemon

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/logger"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/pkg/gateway"
	"github.com/chatrelay/chatrelay/pkg/platform"
)

func testDaemon(t *testing.T, platforms map[string]platform.Config) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	cfg := config.DefaultConfig()
	cfg.Platforms = platforms

	d, err := New(cfg, config.NewLoader(filepath.Join(t.TempDir(), "chatrelay.json")), log)
	require.NoError(t, err)

	// Seed the manager the way Run does before serving traffic.
	for _, h := range d.factory.CreateEnabledHandlers(cfg.Platforms) {
		require.True(t, d.manager.RegisterHandler(h))
	}
	return d
}

func telegramSection(token string) platform.Config {
	return platform.Config{"enabled": true, "bot_token": token}
}

func slackSection() platform.Config {
	return platform.Config{"enabled": true, "signing_secret": "sec", "bot_token": "xoxb-1"}
}

func TestReconfigure_AddsAndRemovesPlatforms(t *testing.T) {
	d := testDaemon(t, map[string]platform.Config{
		"telegram": telegramSection("tok-1"),
	})
	require.Equal(t, []platform.PlatformType{platform.PlatformTelegram}, d.manager.EnabledPlatforms())

	added := config.DefaultConfig()
	added.Platforms = map[string]platform.Config{
		"telegram": telegramSection("tok-1"),
		"slack":    slackSection(),
	}
	d.reconfigure(added)
	assert.ElementsMatch(t,
		[]platform.PlatformType{platform.PlatformSlack, platform.PlatformTelegram},
		d.manager.EnabledPlatforms())

	removed := config.DefaultConfig()
	removed.Platforms = map[string]platform.Config{
		"slack": slackSection(),
	}
	d.reconfigure(removed)
	assert.Equal(t, []platform.PlatformType{platform.PlatformSlack}, d.manager.EnabledPlatforms())
	_, ok := d.manager.Handler(platform.PlatformTelegram)
	assert.False(t, ok)

	// The running config tracks what was applied.
	assert.Equal(t, removed.Platforms, d.cfg.Platforms)
}

func TestReconfigure_InvalidSectionIsUnregistered(t *testing.T) {
	d := testDaemon(t, map[string]platform.Config{
		"telegram": telegramSection("tok-1"),
	})

	// The section survives the edit but loses its required field. The
	// factory omits it, so the platform drops out of the manager instead
	// of serving with broken credentials.
	broken := config.DefaultConfig()
	broken.Platforms = map[string]platform.Config{
		"telegram": {"enabled": true},
	}
	d.reconfigure(broken)

	assert.Empty(t, d.manager.EnabledPlatforms())
	_, ok := d.manager.Handler(platform.PlatformTelegram)
	assert.False(t, ok)
}

func TestReconfigure_DisabledSectionIsUnregistered(t *testing.T) {
	d := testDaemon(t, map[string]platform.Config{
		"telegram": telegramSection("tok-1"),
	})

	disabled := config.DefaultConfig()
	disabled.Platforms = map[string]platform.Config{
		"telegram": {"enabled": false, "bot_token": "tok-1"},
	}
	d.reconfigure(disabled)

	assert.Empty(t, d.manager.EnabledPlatforms())
}

// closeCounter observes handler replacement during reconfiguration.
type closeCounter struct {
	cfg    platform.Config
	closed int
}

func (c *closeCounter) PlatformType() platform.PlatformType { return platform.PlatformTelegram }
func (c *closeCounter) RequiredConfigFields() []string      { return []string{"bot_token"} }
func (c *closeCounter) IsEnabled() bool                     { return c.cfg.Enabled() }

func (c *closeCounter) ValidateConfig() bool {
	ok, _ := c.cfg.HasFields(c.RequiredConfigFields())
	return ok
}

func (c *closeCounter) HandleWebhook([]byte, string) []platform.Message       { return nil }
func (c *closeCounter) ParseMessage(map[string]interface{}) *platform.Message { return nil }
func (c *closeCounter) SendResponse(platform.Response, platform.Message) bool { return true }

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestReconfigure_ReplacementClosesOldHandler(t *testing.T) {
	zl := zerolog.Nop()

	var handlers []*closeCounter
	registry := gateway.NewRegistry()
	require.NoError(t, registry.Register(platform.PlatformTelegram,
		func(cfg platform.Config, _ zerolog.Logger) (platform.Handler, error) {
			h := &closeCounter{cfg: cfg}
			handlers = append(handlers, h)
			return h, nil
		}))

	cfg := config.DefaultConfig()
	cfg.Platforms = map[string]platform.Config{"telegram": telegramSection("tok-1")}
	d := &Daemon{
		cfg:      cfg,
		log:      zl,
		metrics:  metrics.NewMetrics(),
		registry: registry,
		factory:  gateway.NewFactory(registry, zl),
		manager:  gateway.NewManager(zl),
	}
	for _, h := range d.factory.CreateEnabledHandlers(cfg.Platforms) {
		require.True(t, d.manager.RegisterHandler(h))
	}
	require.Len(t, handlers, 1)

	changed := config.DefaultConfig()
	changed.Platforms = map[string]platform.Config{"telegram": telegramSection("tok-2")}
	d.reconfigure(changed)

	require.Len(t, handlers, 2)
	assert.Equal(t, 1, handlers[0].closed, "replaced handler must be closed")
	assert.Equal(t, 0, handlers[1].closed)

	current, ok := d.manager.Handler(platform.PlatformTelegram)
	require.True(t, ok)
	assert.Same(t, handlers[1], current)
}

// queueStub is a handler that reports queue stats like the Discord
// gateway worker does.
type queueStub struct {
	closeCounter
	depth   int
	dropped uint64
}

func (q *queueStub) PlatformType() platform.PlatformType { return platform.PlatformDiscord }
func (q *queueStub) QueueStats() (int, uint64)           { return q.depth, q.dropped }

func TestSnapshotStats_PublishesQueueGauges(t *testing.T) {
	d := testDaemon(t, nil)
	stub := &queueStub{
		closeCounter: closeCounter{cfg: platform.Config{"enabled": true, "bot_token": "tok"}},
		depth:        7,
		dropped:      3,
	}
	require.True(t, d.manager.RegisterHandler(stub))

	d.snapshotStats()

	label := string(platform.PlatformDiscord)
	assert.Equal(t, 7.0, testutil.ToFloat64(d.metrics.QueueDepth.WithLabelValues(label)))
	assert.Equal(t, 3.0, testutil.ToFloat64(d.metrics.QueueDropped.WithLabelValues(label)))
}

func TestRegisterPlatforms_CoversEveryPlatform(t *testing.T) {
	registry := gateway.NewRegistry()
	require.NoError(t, RegisterPlatforms(registry))
	assert.ElementsMatch(t, platform.AllPlatforms(), registry.AvailablePlatforms())
}
