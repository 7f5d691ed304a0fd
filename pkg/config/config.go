// Copyright 2024-2026 Aiku AI

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/channelstream-go/pkg/session"
	"github.com/aiku/channelstream-go/pkg/transport"
)

//go:embed example-config.yaml
var ExampleConfig string

// EnvPrefix is the prefix of environment variables that override the file.
const EnvPrefix = "CHANNELSTREAM_"

// Config is the client configuration.
type Config struct {
	Endpoints Endpoints `yaml:"endpoints" envPrefix:"ENDPOINT_"`
	Session   Session   `yaml:"session" envPrefix:"SESSION_"`
	Transport Transport `yaml:"transport" envPrefix:"TRANSPORT_"`
	Logging   Logging   `yaml:"logging" envPrefix:"LOG_"`
	Metrics   Metrics   `yaml:"metrics" envPrefix:"METRICS_"`
}

// Endpoints are the URLs of the channelstream demo application and server.
type Endpoints struct {
	Connect       string `yaml:"connect" env:"CONNECT"`
	Disconnect    string `yaml:"disconnect" env:"DISCONNECT"`
	Subscribe     string `yaml:"subscribe" env:"SUBSCRIBE"`
	Unsubscribe   string `yaml:"unsubscribe" env:"UNSUBSCRIBE"`
	Message       string `yaml:"message" env:"MESSAGE"`
	MessageEdit   string `yaml:"message_edit" env:"MESSAGE_EDIT"`
	MessageDelete string `yaml:"message_delete" env:"MESSAGE_DELETE"`
	UserState     string `yaml:"user_state" env:"USER_STATE"`
	Websocket     string `yaml:"websocket" env:"WEBSOCKET"`
	LongPoll      string `yaml:"long_poll" env:"LONG_POLL"`
}

type Session struct {
	Username   string             `yaml:"username" env:"USERNAME"`
	Email      string             `yaml:"email" env:"EMAIL"`
	Channels   []string           `yaml:"channels" env:"CHANNELS"`
	EditPolicy session.EditPolicy `yaml:"edit_policy" env:"EDIT_POLICY"`
}

type Transport struct {
	LongPollOnly    bool              `yaml:"long_poll_only" env:"LONG_POLL_ONLY"`
	Headers         map[string]string `yaml:"headers" env:"HEADERS"`
	RequestTimeout  time.Duration     `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	LongPollTimeout time.Duration     `yaml:"long_poll_timeout" env:"LONG_POLL_TIMEOUT"`
	MessageRate     float64           `yaml:"message_rate" env:"MESSAGE_RATE"`
	MessageBurst    int               `yaml:"message_burst" env:"MESSAGE_BURST"`
	Reconnect       Reconnect         `yaml:"reconnect" envPrefix:"RECONNECT_"`
}

type Reconnect struct {
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
	MaxElapsed      time.Duration `yaml:"max_elapsed" env:"MAX_ELAPSED"`
}

type Logging struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
}

type Metrics struct {
	// Listen is the address of the Prometheus endpoint. Empty disables it.
	Listen string `yaml:"listen" env:"LISTEN"`
}

func upgradeConfig(helper up.Helper) {
	for _, key := range []string{
		"connect", "disconnect", "subscribe", "unsubscribe", "message",
		"message_edit", "message_delete", "user_state", "websocket", "long_poll",
	} {
		helper.Copy(up.Str, "endpoints", key)
	}

	helper.Copy(up.Str, "session", "username")
	helper.Copy(up.Str, "session", "email")
	helper.Copy(up.List, "session", "channels")
	helper.Copy(up.Str, "session", "edit_policy")

	helper.Copy(up.Bool, "transport", "long_poll_only")
	helper.Copy(up.Map, "transport", "headers")
	helper.Copy(up.Str, "transport", "request_timeout")
	helper.Copy(up.Str, "transport", "long_poll_timeout")
	helper.Copy(up.Int|up.Float, "transport", "message_rate")
	helper.Copy(up.Int, "transport", "message_burst")
	helper.Copy(up.Str, "transport", "reconnect", "initial_interval")
	helper.Copy(up.Str, "transport", "reconnect", "max_interval")
	helper.Copy(up.Str, "transport", "reconnect", "max_elapsed")

	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Bool, "logging", "pretty")

	helper.Copy(up.Str, "metrics", "listen")
}

// Upgrader merges a user config over [ExampleConfig], keeping every key the
// user set and filling the rest from the example.
func Upgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"session"},
			{"transport"},
			{"logging"},
			{"metrics"},
		},
		Base: ExampleConfig,
	}
}

// Load reads the config at path merged over the example config, then
// applies CHANNELSTREAM_* environment overrides. An empty path uses the
// example config alone. With save set, the merged file is written back to
// path.
func Load(path string, save bool) (*Config, error) {
	data := []byte(ExampleConfig)
	if path != "" {
		var err error
		data, _, err = up.Do(path, save, Upgrader())
		if err != nil {
			return nil, fmt.Errorf("failed to upgrade config %s: %w", path, err)
		}
	}
	return Parse(data)
}

// Parse decodes a complete config document and applies environment
// overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config for values the client cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Endpoints.Connect == "" {
		errs = append(errs, errors.New("endpoints.connect is required"))
	}
	if c.Endpoints.Websocket == "" && c.Endpoints.LongPoll == "" {
		errs = append(errs, errors.New("one of endpoints.websocket or endpoints.long_poll is required"))
	}
	if c.Transport.LongPollOnly && c.Endpoints.LongPoll == "" {
		errs = append(errs, errors.New("transport.long_poll_only needs endpoints.long_poll"))
	}
	switch c.Session.EditPolicy {
	case "", session.EditPolicyIgnore, session.EditPolicyApply:
	default:
		errs = append(errs, fmt.Errorf("unknown session.edit_policy %q", c.Session.EditPolicy))
	}
	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
			errs = append(errs, fmt.Errorf("logging.level: %w", err))
		}
	}
	return errors.Join(errs...)
}

// LogLevel returns the configured level, defaulting to info.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil || c.Logging.Level == "" {
		return zerolog.InfoLevel
	}
	return level
}

// TransportConfig returns the transport settings.
func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		ConnectURL:               c.Endpoints.Connect,
		DisconnectURL:            c.Endpoints.Disconnect,
		SubscribeURL:             c.Endpoints.Subscribe,
		UnsubscribeURL:           c.Endpoints.Unsubscribe,
		MessageURL:               c.Endpoints.Message,
		MessageEditURL:           c.Endpoints.MessageEdit,
		MessageDeleteURL:         c.Endpoints.MessageDelete,
		UserStateURL:             c.Endpoints.UserState,
		WebsocketURL:             c.Endpoints.Websocket,
		LongPollURL:              c.Endpoints.LongPoll,
		LongPoll:                 c.Transport.LongPollOnly,
		Headers:                  c.Transport.Headers,
		RequestTimeout:           c.Transport.RequestTimeout,
		LongPollTimeout:          c.Transport.LongPollTimeout,
		MessageRate:              c.Transport.MessageRate,
		MessageBurst:             c.Transport.MessageBurst,
		ReconnectInitialInterval: c.Transport.Reconnect.InitialInterval,
		ReconnectMaxInterval:     c.Transport.Reconnect.MaxInterval,
		ReconnectMaxElapsed:      c.Transport.Reconnect.MaxElapsed,
	}
}

// Identity returns the identity for the first connect.
func (c *Config) Identity() session.Identity {
	return session.Identity{
		Username:           c.Session.Username,
		Email:              c.Session.Email,
		SubscribedChannels: append([]string(nil), c.Session.Channels...),
	}
}
