package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":5001", cfg.Signal.Address)
	assert.Len(t, cfg.Media.Codecs, 2)
	assert.Equal(t, "audio/opus", cfg.Media.Codecs[0].MimeType)
	assert.Equal(t, 111, cfg.Media.Codecs[0].PreferredPayloadType)
	assert.Equal(t, "video/VP8", cfg.Media.Codecs[1].MimeType)
	assert.False(t, cfg.PlainTransport.RtcpMux)
	assert.Equal(t, 20000, cfg.Recorder.MinPort)
	assert.Equal(t, 30000, cfg.Recorder.MaxPort)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Signal.Address, cfg.Signal.Address)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
signal:
  address: ":6001"
recorder:
  min_port: 40000
  max_port: 41000
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":6001", cfg.Signal.Address)
	assert.Equal(t, 40000, cfg.Recorder.MinPort)
	assert.Equal(t, 41000, cfg.Recorder.MaxPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep defaults.
	assert.Equal(t, 1500000, cfg.WebRTC.MaxIncomingBitrate)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty signal address", func(c *Config) { c.Signal.Address = "" }},
		{"no codecs", func(c *Config) { c.Media.Codecs = nil }},
		{"bad codec kind", func(c *Config) { c.Media.Codecs[0].Kind = "screen" }},
		{"inverted recorder range", func(c *Config) { c.Recorder.MinPort = 31000 }},
		{"inverted worker range", func(c *Config) { c.Worker.RtcMinPort = 30000 }},
		{"no listen infos", func(c *Config) { c.WebRTC.ListenInfos = nil }},
		{"bad listen protocol", func(c *Config) { c.WebRTC.ListenInfos[0].Protocol = "sctp" }},
		{"empty ffmpeg path", func(c *Config) { c.Recorder.FFmpegPath = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROOMCAST_SIGNAL_ADDRESS", ":7001")
	t.Setenv("ROOMCAST_ANNOUNCED_IP", "203.0.113.7")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Signal.Address)
	assert.Equal(t, "203.0.113.7", cfg.WebRTC.ListenInfos[0].AnnouncedIP)
	assert.Equal(t, "203.0.113.7", cfg.PlainTransport.AnnouncedIP)
}
