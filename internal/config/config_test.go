package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "musechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: http://file:9000
chat:
  agent_id: "7"
  send_timeout: 35s
  humor: 90
memory:
  timezone: Europe/Paris
`), 0o600))

	t.Setenv("MUSECHAT_CHAT_SEND_TIMEOUT", "50s")
	t.Setenv("MUSECHAT_CHAT_AGENT_ID", "8")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("agent", "", "")
	flags.Bool("sample-memories", false, "")
	flags.Duration("send-timeout", 0, "")
	require.NoError(t, flags.Parse([]string{"--agent=9", "--sample-memories"}))

	cfg, err := Load(flags, path)
	require.NoError(t, err)

	assert.Equal(t, "http://file:9000", cfg.API.BaseURL)
	assert.Equal(t, 90, cfg.Chat.Humor)
	assert.Equal(t, 50*time.Second, cfg.Chat.SendTimeout)
	assert.Equal(t, "9", cfg.Chat.AgentID)
	assert.True(t, cfg.Memory.SampleMemories)
	assert.Equal(t, "Europe/Paris", cfg.Location().String())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"timeout too short", func(c *Config) { c.Chat.SendTimeout = 5 * time.Second }, "send_timeout"},
		{"timeout too long", func(c *Config) { c.Chat.SendTimeout = 2 * time.Minute }, "send_timeout"},
		{"unknown policy", func(c *Config) { c.Chat.FallbackPolicy = "random" }, "random"},
		{"trait out of range", func(c *Config) { c.Chat.Wisdom = 101 }, "chat.wisdom"},
		{"missing url", func(c *Config) { c.API.BaseURL = " " }, "base_url"},
		{"bad timezone", func(c *Config) { c.Memory.Timezone = "Mars/Olympus" }, "timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	offline := Default()
	offline.API.Offline = true
	offline.API.BaseURL = ""
	assert.NoError(t, offline.Validate())
}
