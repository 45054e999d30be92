// Package daemon is the composition root: it builds the registry,
// factory, manager, responder and front door from configuration and owns
// their lifecycle, including config hot reload and the periodic
// operational stats snapshot.
package daemon

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/logger"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/platforms/discord"
	"github.com/chatrelay/chatrelay/internal/platforms/line"
	"github.com/chatrelay/chatrelay/internal/platforms/meta"
	"github.com/chatrelay/chatrelay/internal/platforms/slack"
	"github.com/chatrelay/chatrelay/internal/platforms/telegram"
	"github.com/chatrelay/chatrelay/internal/responder"
	"github.com/chatrelay/chatrelay/internal/server"
	"github.com/chatrelay/chatrelay/pkg/gateway"
	"github.com/chatrelay/chatrelay/pkg/platform"
)

// Daemon wires the gateway together and runs it.
type Daemon struct {
	cfg     *config.Config
	loader  *config.Loader
	log     zerolog.Logger
	metrics *metrics.Metrics

	registry *gateway.Registry
	factory  *gateway.Factory
	manager  *gateway.Manager
	server   *server.Server
	watcher  *config.Watcher
	cron     *cron.Cron
}

// QueueReporter is implemented by handlers that buffer messages in a
// background queue.
type QueueReporter interface {
	QueueStats() (depth int, dropped uint64)
}

// New builds a daemon from loaded configuration.
func New(cfg *config.Config, loader *config.Loader, log *logger.Logger) (*Daemon, error) {
	zl := log.GetZerolog()

	registry := gateway.NewRegistry()
	if err := RegisterPlatforms(registry); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		loader:   loader,
		log:      zl,
		metrics:  metrics.NewMetrics(),
		registry: registry,
		factory:  gateway.NewFactory(registry, zl),
		manager:  gateway.NewManager(zl),
	}
	return d, nil
}

// RegisterPlatforms installs every handler constructor this binary ships.
func RegisterPlatforms(registry *gateway.Registry) error {
	ctors := map[platform.PlatformType]gateway.Constructor{
		platform.PlatformMessenger: meta.NewMessenger,
		platform.PlatformWhatsApp:  meta.NewWhatsApp,
		platform.PlatformInstagram: meta.NewInstagram,
		platform.PlatformLine:      line.New,
		platform.PlatformSlack:     slack.New,
		platform.PlatformTelegram:  telegram.New,
		platform.PlatformDiscord:   discord.New,
	}
	for t, ctor := range ctors {
		if err := registry.Register(t, ctor); err != nil {
			return fmt.Errorf("failed to register %s: %w", t, err)
		}
	}
	return nil
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	// Surface every config problem at startup, then serve whatever
	// validates: a misconfigured platform must not block the others.
	validator := gateway.NewConfigValidator(d.registry, d.log)
	for t, problems := range validator.Validate(d.cfg.Platforms) {
		for _, problem := range problems {
			d.log.Warn().Str("platform", string(t)).Str("problem", problem).Msg("Platform misconfigured")
		}
	}

	handlers := d.factory.CreateEnabledHandlers(d.cfg.Platforms)
	for _, h := range handlers {
		d.manager.RegisterHandler(h)
	}
	if len(d.manager.EnabledPlatforms()) == 0 {
		d.log.Warn().Msg("No platforms enabled, serving health and metrics only")
	}

	processor, err := responder.New(d.cfg.Responder, d.log)
	if err != nil {
		return fmt.Errorf("failed to build responder: %w", err)
	}

	d.server = server.New(server.Options{
		Host:               d.cfg.Server.Host,
		Port:               d.cfg.Server.Port,
		RateLimitPerMinute: d.cfg.Server.RateLimitPerMinute,
	}, d.manager, processor, d.metrics, d.log)

	if err := d.startStatsJob(); err != nil {
		return err
	}
	d.startWatcher()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- d.server.Start()
	}()

	d.log.Info().
		Interface("platforms", d.manager.EnabledPlatforms()).
		Msg("Gateway started")

	select {
	case <-ctx.Done():
		return d.shutdown()
	case err := <-serverErr:
		d.teardown()
		return err
	}
}

func (d *Daemon) startStatsJob() error {
	schedule := d.cfg.Stats.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, d.snapshotStats); err != nil {
		return fmt.Errorf("invalid stats schedule %q: %w", schedule, err)
	}
	c.Start()
	d.cron = c
	return nil
}

// snapshotStats publishes queue depth and drop counters for handlers
// that buffer in the background.
func (d *Daemon) snapshotStats() {
	for _, t := range d.manager.EnabledPlatforms() {
		h, ok := d.manager.Handler(t)
		if !ok {
			continue
		}
		reporter, ok := h.(QueueReporter)
		if !ok {
			continue
		}
		depth, dropped := reporter.QueueStats()
		d.metrics.QueueDepth.WithLabelValues(string(t)).Set(float64(depth))
		d.metrics.QueueDropped.WithLabelValues(string(t)).Set(float64(dropped))
		d.log.Debug().
			Str("platform", string(t)).
			Int("queue_depth", depth).
			Uint64("queue_dropped", dropped).
			Msg("Queue stats")
	}
}

func (d *Daemon) startWatcher() {
	d.watcher = config.NewWatcher(d.loader, d.reconfigure, d.log)
	if err := d.watcher.Start(); err != nil {
		d.log.Warn().Err(err).Msg("Config hot reload unavailable")
		d.watcher = nil
	}
}

// reconfigure applies a changed configuration to the running manager:
// new and changed platforms are rebuilt and re-registered (replacement
// closes the old handler), removed platforms are unregistered.
func (d *Daemon) reconfigure(cfg *config.Config) {
	d.log.Info().Msg("Applying platform reconfiguration")

	fresh := d.factory.CreateEnabledHandlers(cfg.Platforms)
	enabled := make(map[platform.PlatformType]bool, len(fresh))
	for _, h := range fresh {
		enabled[h.PlatformType()] = true
		d.manager.RegisterHandler(h)
	}
	for _, t := range d.manager.EnabledPlatforms() {
		if !enabled[t] {
			d.manager.Unregister(t)
		}
	}

	d.cfg.Platforms = cfg.Platforms
}

func (d *Daemon) shutdown() error {
	d.log.Info().Msg("Shutting down gateway")
	err := d.server.Stop()
	d.teardown()
	return err
}

func (d *Daemon) teardown() {
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.cron != nil {
		d.cron.Stop()
	}
	if err := d.manager.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Handler close reported errors")
	}
}
