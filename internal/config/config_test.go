package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":8000", cfg.Server.Listen)
	require.Equal(t, "/api", cfg.Server.BasePath)
	require.Equal(t, 2, cfg.HLS.SegmentSeconds)
	require.Equal(t, 5, cfg.HLS.PlaylistSize)
	require.Equal(t, 10*time.Second, cfg.RTSP.ProbeTimeout)
	require.Equal(t, time.Hour, cfg.Session.IdleTimeout)
	require.Equal(t,
		[]time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		cfg.Reconnect.Delays)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen = ":9000"
base_path = "/preview"
cors_origins = ["http://localhost:5173"]

[hls]
output_dir = "/var/lib/camstream"
segment_seconds = 4

[rtsp]
probe_timeout = "5s"

[ffmpeg]
hwaccel = false

[session]
idle_timeout = "30m"

[log]
level = "debug"
format = "text"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.Listen)
	require.Equal(t, "/preview", cfg.Server.BasePath)
	require.Equal(t, []string{"http://localhost:5173"}, cfg.Server.CORSOrigins)
	require.Equal(t, "/var/lib/camstream", cfg.HLS.OutputDir)
	require.Equal(t, 4, cfg.HLS.SegmentSeconds)
	require.Equal(t, 5, cfg.HLS.PlaylistSize) // default survives partial file
	require.Equal(t, 5*time.Second, cfg.RTSP.ProbeTimeout)
	require.False(t, cfg.FFmpeg.HWAccel)
	require.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	require.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Server.Listen, cfg.Server.Listen)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CAMSTREAM_SERVER_LISTEN", ":7777")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7777", cfg.Server.Listen)
}

func TestValidateRejections(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Server.Listen = "" },
		func(c *Config) { c.HLS.OutputDir = "" },
		func(c *Config) { c.HLS.SegmentSeconds = 0 },
		func(c *Config) { c.HLS.PlaylistSize = -1 },
		func(c *Config) { c.RTSP.ProbeTimeout = 0 },
		func(c *Config) { c.FFmpeg.Binary = "" },
		func(c *Config) { c.Session.IdleTimeout = 0 },
		func(c *Config) { c.Reconnect.Delays = nil },
		func(c *Config) { c.Reconnect.Delays = []time.Duration{0} },
		func(c *Config) { c.RateLimit.ConnectPerMinute = 0 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		require.Errorf(t, cfg.Validate(), "case %d must fail validation", i)
	}
}
