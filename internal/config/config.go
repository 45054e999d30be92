package config

import (
	"encoding/json"

	"github.com/chatrelay/chatrelay/pkg/platform"
)

// Config represents the main chatrelay configuration.
type Config struct {
	// Platforms holds one section per platform name. Section names are
	// resolved to platform types strictly at load time; unknown names
	// are warned about and ignored, never looked up on the hot path.
	Platforms map[string]platform.Config `json:"platforms" mapstructure:"platforms"`

	// Server configures the HTTP front door.
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Responder selects the downstream processing pipeline.
	Responder ResponderConfig `json:"responder" mapstructure:"responder"`

	// Stats configures the periodic operational stats snapshot.
	Stats StatsConfig `json:"stats" mapstructure:"stats"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP front door settings.
type ServerConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ResponderConfig selects and configures the response pipeline backend.
type ResponderConfig struct {
	Provider     string `json:"provider" mapstructure:"provider"` // echo, openai, anthropic
	APIKey       string `json:"api_key" mapstructure:"api_key"`
	Model        string `json:"model" mapstructure:"model"`
	SystemPrompt string `json:"system_prompt" mapstructure:"system_prompt"`
}

// StatsConfig holds the cron schedule for operational stats logging.
type StatsConfig struct {
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Platforms: map[string]platform.Config{},
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			RateLimitPerMinute: 300,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Responder: ResponderConfig{
			Provider: "echo",
		},
		Stats: StatsConfig{
			Schedule: "@every 1m",
		},
	}
}

// String returns the configuration as a JSON string with credentials
// masked.
func (c *Config) String() string {
	clone := *c
	clone.Platforms = make(map[string]platform.Config, len(c.Platforms))
	for name, section := range c.Platforms {
		masked := make(platform.Config, len(section))
		for key, value := range section {
			if isSensitiveKey(key) {
				masked[key] = "***"
			} else {
				masked[key] = value
			}
		}
		clone.Platforms[name] = masked
	}
	if clone.Responder.APIKey != "" {
		clone.Responder.APIKey = "***"
	}

	data, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func isSensitiveKey(key string) bool {
	switch key {
	case "access_token", "app_secret", "bot_token", "channel_secret",
		"channel_token", "signing_secret", "verify_token", "webhook_secret":
		return true
	}
	return false
}
