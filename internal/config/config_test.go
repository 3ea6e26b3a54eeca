package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/vphone/pkg/presence"
	"github.com/arzzra/vphone/pkg/rtp"
)

// clearEnv убирает переменные на время теста и восстанавливает их после
func clearEnv(t *testing.T, names ...string) {
	for _, n := range names {
		t.Setenv(EnvPrefix+n, "")
		require.NoError(t, os.Unsetenv(EnvPrefix+n))
	}
}

func TestLoad_Precedence(t *testing.T) {
	clearEnv(t, "USER", "SERVER", "SUBSCRIBE", "CALL", "AUTO_ANSWER", "LOG_LEVEL", "MEDIA_MODE")
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"VPHONE_USER=alice\nVPHONE_SERVER=pbx.example.com\nVPHONE_SUBSCRIBE=bob, carol\nVPHONE_CALL=bob\n"), 0o600))
	t.Setenv("VPHONE_AUTO_ANSWER", "true")
	t.Setenv("VPHONE_CALL", "dave")

	cfg, err := Load(envFile, []string{"-call", "erin", "-log-level", "debug", "-media-mode", "passive"})
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, "pbx.example.com", cfg.Server)
	assert.Equal(t, []string{"bob", "carol"}, cfg.Subscribe)
	assert.True(t, cfg.AutoAnswer)
	assert.Equal(t, "erin", cfg.Call)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, rtp.ModePassive, cfg.MediaMode)
	assert.Equal(t, time.Hour, cfg.RegisterExpires)
}

func TestLoad_MissingEnvFile(t *testing.T) {
	clearEnv(t, "USER")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.env"), []string{"-user", "bob", "-presence", "busy"})
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.User)
	assert.Equal(t, presence.Busy, cfg.Presence)
}

func TestFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bool", map[string]string{"VPHONE_AUTO_ANSWER": "maybe"}},
		{"duration", map[string]string{"VPHONE_DURATION": "ten"}},
		{"mode", map[string]string{"VPHONE_MEDIA_MODE": "karaoke"}},
		{"level", map[string]string{"VPHONE_LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := cfg.fromEnv(func(k string) (string, bool) {
				v, ok := tt.env[k]
				return v, ok
			})
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok", func(*Config) {}, false},
		{"no user", func(c *Config) { c.User = "" }, true},
		{"bad network", func(c *Config) { c.Network = "sctp" }, true},
		{"replay without capture", func(c *Config) { c.MediaMode = rtp.ModeReplay }, true},
		{"record without file", func(c *Config) { c.MediaMode = rtp.ModeRecord }, true},
		{"record", func(c *Config) { c.MediaMode, c.RecordPath = rtp.ModeRecord, "out.pcap" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.User = "alice"
			tt.mutate(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}
