package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/timelapser/camstream/internal/logger"
)

// Config is the top-level TOML structure.
type Config struct {
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	HLS       HLSConfig       `toml:"hls" mapstructure:"hls"`
	RTSP      RTSPConfig      `toml:"rtsp" mapstructure:"rtsp"`
	FFmpeg    FFmpegConfig    `toml:"ffmpeg" mapstructure:"ffmpeg"`
	Session   SessionConfig   `toml:"session" mapstructure:"session"`
	Reconnect ReconnectConfig `toml:"reconnect" mapstructure:"reconnect"`
	RateLimit RateLimitConfig `toml:"ratelimit" mapstructure:"ratelimit"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Listen      string   `toml:"listen" mapstructure:"listen"`
	BasePath    string   `toml:"base_path" mapstructure:"base_path"`
	CORSOrigins []string `toml:"cors_origins" mapstructure:"cors_origins"`
}

type HLSConfig struct {
	OutputDir      string `toml:"output_dir" mapstructure:"output_dir"`
	SegmentSeconds int    `toml:"segment_seconds" mapstructure:"segment_seconds"`
	PlaylistSize   int    `toml:"playlist_size" mapstructure:"playlist_size"`
}

type RTSPConfig struct {
	ProbeTimeout time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
}

type FFmpegConfig struct {
	Binary      string        `toml:"binary" mapstructure:"binary"`
	ProbeBinary string        `toml:"probe_binary" mapstructure:"probe_binary"`
	HWAccel     bool          `toml:"hwaccel" mapstructure:"hwaccel"`
	Log         logger.Config `toml:"log" mapstructure:"log"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `toml:"idle_timeout" mapstructure:"idle_timeout"`
	SweepInterval time.Duration `toml:"sweep_interval" mapstructure:"sweep_interval"`
	StartTimeout  time.Duration `toml:"start_timeout" mapstructure:"start_timeout"`
	StopGrace     time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
}

type ReconnectConfig struct {
	Delays []time.Duration `toml:"delays" mapstructure:"delays"`
}

type RateLimitConfig struct {
	ConnectPerMinute    int `toml:"connect_per_minute" mapstructure:"connect_per_minute"`
	DisconnectPerMinute int `toml:"disconnect_per_minute" mapstructure:"disconnect_per_minute"`
}

type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"`
}

// Default returns the built-in configuration: single session, 2s HLS
// segments, 10s probe timeout, 1h idle expiry, 2s/4s/8s reconnect
// schedule.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:      ":8000",
			BasePath:    "/api",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		HLS: HLSConfig{
			OutputDir:      "/tmp/hls_streams",
			SegmentSeconds: 2,
			PlaylistSize:   5,
		},
		RTSP: RTSPConfig{
			ProbeTimeout: 10 * time.Second,
		},
		FFmpeg: FFmpegConfig{
			Binary:      "ffmpeg",
			ProbeBinary: "ffprobe",
			HWAccel:     true,
		},
		Session: SessionConfig{
			IdleTimeout:   time.Hour,
			SweepInterval: time.Minute,
			StartTimeout:  10 * time.Second,
			StopGrace:     5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Delays: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		RateLimit: RateLimitConfig{
			ConnectPerMinute:    10,
			DisconnectPerMinute: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a TOML config file and merges it over the defaults.
// Environment variables with the CAMSTREAM_ prefix override file
// values (CAMSTREAM_SERVER_LISTEN, CAMSTREAM_FFMPEG_BINARY, ...).
// An empty path yields defaults plus environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("CAMSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.base_path", cfg.Server.BasePath)
	v.SetDefault("server.cors_origins", cfg.Server.CORSOrigins)
	v.SetDefault("hls.output_dir", cfg.HLS.OutputDir)
	v.SetDefault("hls.segment_seconds", cfg.HLS.SegmentSeconds)
	v.SetDefault("hls.playlist_size", cfg.HLS.PlaylistSize)
	v.SetDefault("rtsp.probe_timeout", cfg.RTSP.ProbeTimeout.String())
	v.SetDefault("ffmpeg.binary", cfg.FFmpeg.Binary)
	v.SetDefault("ffmpeg.probe_binary", cfg.FFmpeg.ProbeBinary)
	v.SetDefault("ffmpeg.hwaccel", cfg.FFmpeg.HWAccel)
	v.SetDefault("session.idle_timeout", cfg.Session.IdleTimeout.String())
	v.SetDefault("session.sweep_interval", cfg.Session.SweepInterval.String())
	v.SetDefault("session.start_timeout", cfg.Session.StartTimeout.String())
	v.SetDefault("session.stop_grace", cfg.Session.StopGrace.String())
	v.SetDefault("ratelimit.connect_per_minute", cfg.RateLimit.ConnectPerMinute)
	v.SetDefault("ratelimit.disconnect_per_minute", cfg.RateLimit.DisconnectPerMinute)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}

// Validate rejects configurations the session core cannot run with.
func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.HLS.OutputDir == "" {
		return fmt.Errorf("hls.output_dir is required")
	}
	if c.HLS.SegmentSeconds <= 0 {
		return fmt.Errorf("hls.segment_seconds must be positive, got %d", c.HLS.SegmentSeconds)
	}
	if c.HLS.PlaylistSize <= 0 {
		return fmt.Errorf("hls.playlist_size must be positive, got %d", c.HLS.PlaylistSize)
	}
	if c.RTSP.ProbeTimeout <= 0 {
		return fmt.Errorf("rtsp.probe_timeout must be positive, got %s", c.RTSP.ProbeTimeout)
	}
	if c.FFmpeg.Binary == "" || c.FFmpeg.ProbeBinary == "" {
		return fmt.Errorf("ffmpeg.binary and ffmpeg.probe_binary are required")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.idle_timeout and session.sweep_interval must be positive")
	}
	if c.Session.StartTimeout <= 0 || c.Session.StopGrace <= 0 {
		return fmt.Errorf("session.start_timeout and session.stop_grace must be positive")
	}
	if len(c.Reconnect.Delays) == 0 {
		return fmt.Errorf("reconnect.delays must list at least one delay")
	}
	for i, d := range c.Reconnect.Delays {
		if d <= 0 {
			return fmt.Errorf("reconnect.delays[%d] must be positive, got %s", i, d)
		}
	}
	if c.RateLimit.ConnectPerMinute <= 0 || c.RateLimit.DisconnectPerMinute <= 0 {
		return fmt.Errorf("ratelimit values must be positive")
	}
	return nil
}
