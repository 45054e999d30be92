package gateway

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/platform"
)

// PlatformSections is the `platforms` portion of the configuration: one
// section per platform name.
type PlatformSections map[string]platform.Config

// Factory builds validated, enabled handler instances from configuration.
type Factory struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewFactory constructs a factory over a registry.
func NewFactory(registry *Registry, logger zerolog.Logger) *Factory {
	return &Factory{
		registry: registry,
		logger:   logger.With().Str("component", "factory").Logger(),
	}
}

// CreateHandler builds the handler for one platform. It returns nil
// unless the handler's config validates and the platform is enabled.
func (f *Factory) CreateHandler(t platform.PlatformType, cfg platform.Config) platform.Handler {
	ctor, ok := f.registry.Constructor(t)
	if !ok {
		f.logger.Warn().Str("platform", string(t)).Msg("No constructor registered for platform")
		return nil
	}

	h, err := ctor(cfg, f.logger)
	if err != nil {
		f.logger.Error().Err(err).Str("platform", string(t)).Msg("Handler construction failed")
		return nil
	}
	if !h.ValidateConfig() {
		_, missing := cfg.HasFields(h.RequiredConfigFields())
		f.logger.Warn().
			Str("platform", string(t)).
			Strs("missing_fields", missing).
			Msg("Handler config is incomplete")
		return nil
	}
	if !h.IsEnabled() {
		f.logger.Debug().Str("platform", string(t)).Msg("Platform is disabled")
		return nil
	}
	return h
}

// CreateEnabledHandlers builds handlers for every configured platform
// section. Unknown section names are skipped with a warning; a
// misconfigured platform never prevents the others from serving traffic.
func (f *Factory) CreateEnabledHandlers(sections PlatformSections) []platform.Handler {
	var handlers []platform.Handler
	for _, name := range sortedSectionNames(sections) {
		t, err := platform.ParsePlatformType(name)
		if err != nil {
			f.logger.Warn().Str("section", name).Msg("Skipping unknown platform section")
			continue
		}
		if h := f.CreateHandler(t, sections[name]); h != nil {
			handlers = append(handlers, h)
		}
	}
	return handlers
}

// ConfigValidator runs the per-platform required-field check up front so
// startup can report every misconfiguration at once instead of failing on
// the first.
type ConfigValidator struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewConfigValidator constructs a validator over a registry.
func NewConfigValidator(registry *Registry, logger zerolog.Logger) *ConfigValidator {
	return &ConfigValidator{
		registry: registry,
		logger:   logger.With().Str("component", "config_validator").Logger(),
	}
}

// Validate checks every configured platform section and returns all
// problems keyed by platform. An empty map means a clean configuration.
func (v *ConfigValidator) Validate(sections PlatformSections) map[platform.PlatformType][]string {
	problems := make(map[platform.PlatformType][]string)

	for _, name := range sortedSectionNames(sections) {
		t, err := platform.ParsePlatformType(name)
		if err != nil {
			v.logger.Warn().Str("section", name).Msg("Unknown platform section in config")
			continue
		}
		cfg := sections[name]
		if !cfg.Enabled() {
			continue
		}

		ctor, ok := v.registry.Constructor(t)
		if !ok {
			problems[t] = append(problems[t], "platform is not supported by this build")
			continue
		}
		h, err := ctor(cfg, v.logger)
		if err != nil {
			problems[t] = append(problems[t], err.Error())
			continue
		}
		_, missing := cfg.HasFields(h.RequiredConfigFields())
		for _, field := range missing {
			problems[t] = append(problems[t], fmt.Sprintf("missing required field %q", field))
		}
		// Validator-built handlers never serve traffic.
		_ = h.Close()
	}
	return problems
}

func sortedSectionNames(sections PlatformSections) []string {
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
