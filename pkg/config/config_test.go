// Copyright 2024-2026 Aiku AI

package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/channelstream-go/pkg/session"
)

func TestExampleConfigParses(t *testing.T) {
	cfg, err := Parse([]byte(ExampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Endpoints.Connect != "http://127.0.0.1:6543/demo/connect" {
		t.Errorf("connect: got %q", cfg.Endpoints.Connect)
	}
	if !slices.Equal(cfg.Session.Channels, []string{"pub_chan"}) {
		t.Errorf("channels: got %v", cfg.Session.Channels)
	}
	if cfg.Session.EditPolicy != session.EditPolicyIgnore {
		t.Errorf("edit policy: got %q", cfg.Session.EditPolicy)
	}
	if cfg.Transport.RequestTimeout != 10*time.Second {
		t.Errorf("request timeout: got %v", cfg.Transport.RequestTimeout)
	}
	if cfg.Transport.Reconnect.MaxElapsed != 5*time.Minute {
		t.Errorf("max elapsed: got %v", cfg.Transport.Reconnect.MaxElapsed)
	}
	if cfg.LogLevel() != zerolog.InfoLevel {
		t.Errorf("log level: got %v", cfg.LogLevel())
	}
}

func TestUpgradeConfig(t *testing.T) {
	t.Parallel()
	var baseNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		t.Fatalf("failed to parse base config: %v", err)
	}

	userCfg := `
endpoints:
    connect: http://chat.local/demo/connect
session:
    username: alice
    channels: [general, notify]
logging:
    level: debug
`
	var cfgNode yaml.Node
	if err := yaml.Unmarshal([]byte(userCfg), &cfgNode); err != nil {
		t.Fatalf("failed to parse user config: %v", err)
	}

	helper := up.NewHelper(&baseNode, &cfgNode)
	upgradeConfig(helper)

	if val, ok := helper.Get(up.Str, "endpoints", "connect"); !ok || val != "http://chat.local/demo/connect" {
		t.Errorf("endpoints.connect after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "session", "username"); !ok || val != "alice" {
		t.Errorf("session.username after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "endpoints", "websocket"); !ok || val != "ws://127.0.0.1:8000/ws" {
		t.Errorf("endpoints.websocket should keep the example value: got %q, ok=%v", val, ok)
	}
}

func TestLoadMergesOverExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	user := `
session:
    username: alice
    edit_policy: apply
transport:
    long_poll_only: true
`
	if err := os.WriteFile(path, []byte(user), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Username != "alice" || cfg.Session.EditPolicy != session.EditPolicyApply {
		t.Errorf("session: got %+v", cfg.Session)
	}
	if cfg.Endpoints.LongPoll != "http://127.0.0.1:8000/listen" {
		t.Errorf("long poll endpoint should come from the example: got %q", cfg.Endpoints.LongPoll)
	}
	tc := cfg.TransportConfig()
	if !tc.LongPoll || tc.MessageBurst != 5 || tc.ReconnectInitialInterval != 500*time.Millisecond {
		t.Errorf("transport config: got %+v", tc)
	}

	unchanged, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(unchanged) != user {
		t.Error("Load without save rewrote the file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), false); err == nil {
		t.Error("Load should fail for a missing file")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CHANNELSTREAM_SESSION_USERNAME", "bob")
	t.Setenv("CHANNELSTREAM_SESSION_CHANNELS", "a,b")
	t.Setenv("CHANNELSTREAM_ENDPOINT_WEBSOCKET", "ws://other/ws")
	t.Setenv("CHANNELSTREAM_TRANSPORT_RECONNECT_MAX_ELAPSED", "1m")
	t.Setenv("CHANNELSTREAM_LOG_LEVEL", "debug")

	cfg, err := Parse([]byte(ExampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Session.Username != "bob" {
		t.Errorf("username: got %q", cfg.Session.Username)
	}
	if !slices.Equal(cfg.Session.Channels, []string{"a", "b"}) {
		t.Errorf("channels: got %v", cfg.Session.Channels)
	}
	if cfg.Endpoints.Websocket != "ws://other/ws" {
		t.Errorf("websocket: got %q", cfg.Endpoints.Websocket)
	}
	if cfg.Transport.Reconnect.MaxElapsed != time.Minute {
		t.Errorf("max elapsed: got %v", cfg.Transport.Reconnect.MaxElapsed)
	}
	if cfg.LogLevel() != zerolog.DebugLevel {
		t.Errorf("log level: got %v", cfg.LogLevel())
	}
	if got := cfg.Identity(); got.Username != "bob" || !slices.Equal(got.SubscribedChannels, []string{"a", "b"}) {
		t.Errorf("identity: got %+v", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		edit    func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no connect", func(c *Config) { c.Endpoints.Connect = "" }, "endpoints.connect"},
		{"no listener", func(c *Config) {
			c.Endpoints.Websocket = ""
			c.Endpoints.LongPoll = ""
		}, "endpoints.websocket"},
		{"long poll only without endpoint", func(c *Config) {
			c.Transport.LongPollOnly = true
			c.Endpoints.LongPoll = ""
		}, "long_poll_only"},
		{"bad policy", func(c *Config) { c.Session.EditPolicy = "rewrite" }, "edit_policy"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			tt.edit(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate: got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExampleConfigNotEmpty(t *testing.T) {
	t.Parallel()
	if ExampleConfig == "" {
		t.Error("ExampleConfig should not be empty (embedded from example-config.yaml)")
	}
}
