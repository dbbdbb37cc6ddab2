package camstream

import (
	"context"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/timelapser/camstream/internal/config"
	"github.com/timelapser/camstream/internal/logger"
	"github.com/timelapser/camstream/internal/metrics"
	"github.com/timelapser/camstream/internal/reconnect"
	"github.com/timelapser/camstream/internal/rtsp"
	"github.com/timelapser/camstream/internal/server"
	"github.com/timelapser/camstream/internal/session"
	"github.com/timelapser/camstream/internal/transcoder"
)

// Version is reported by the health endpoint and the CLI.
const Version = "0.1.0"

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Session = session.Session

type StreamMetadata = rtsp.StreamMetadata

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML config file merged over defaults and
// environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// App wires the prober, the session registry, the reconnection
// controller and the HTTP surface into one runnable unit.
type App struct {
	cfg      Config
	registry *session.Registry
	recon    *reconnect.Controller
	router   *server.Router
	srv      *http.Server
}

// New assembles an App from cfg. The HTTP listener does not start
// until Start.
func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	prober := &rtsp.Prober{
		Binary:  cfg.FFmpeg.ProbeBinary,
		Timeout: cfg.RTSP.ProbeTimeout,
	}
	tcfg := transcoder.Config{
		Binary:         cfg.FFmpeg.Binary,
		HWAccel:        cfg.FFmpeg.HWAccel,
		SegmentSeconds: cfg.HLS.SegmentSeconds,
		PlaylistSize:   cfg.HLS.PlaylistSize,
		Log:            cfg.FFmpeg.Log,
	}
	factory := func(id, dir string, onExit func(error), onActivity func()) session.Supervisor {
		return transcoder.New(tcfg, id, dir, onExit, onActivity)
	}

	app := &App{cfg: cfg}

	// The registry reports crashes to the controller; the controller
	// dials back through the registry. Closures break the cycle.
	app.registry = session.New(session.Config{
		OutputRoot:    cfg.HLS.OutputDir,
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
		StartTimeout:  cfg.Session.StartTimeout,
		StopGrace:     cfg.Session.StopGrace,
	}, prober, factory, func(info session.CrashInfo) {
		app.recon.StreamFailed(info.SourceURL, info.Credentials)
	})

	app.recon = reconnect.New(cfg.Reconnect.Delays, func(ctx context.Context, url string, creds *rtsp.Credentials) (string, error) {
		var user, pass string
		if creds != nil {
			user, pass = creds.Username, creds.Password
		}
		sess, err := app.registry.Connect(ctx, url, user, pass)
		if err != nil {
			return "", err
		}
		return sess.ID, nil
	}, func(sessionID string) {
		_ = app.registry.Disconnect(sessionID)
	})

	app.router = server.NewRouter(server.Config{
		BasePath:            cfg.Server.BasePath,
		CORSOrigins:         cfg.Server.CORSOrigins,
		ConnectPerMinute:    cfg.RateLimit.ConnectPerMinute,
		DisconnectPerMinute: cfg.RateLimit.DisconnectPerMinute,
		FFmpegBinary:        cfg.FFmpeg.Binary,
		ProbeBinary:         cfg.FFmpeg.ProbeBinary,
		Version:             Version,
	}, app.registry, app.recon)

	return app, nil
}

// Handler exposes the API for embedding in another mux.
func (a *App) Handler() http.Handler { return a.router.Handler() }

// Start launches the HTTP listener on the configured address.
func (a *App) Start() {
	a.srv = server.NewServer(a.cfg.Server.Listen, a.router)
}

// Shutdown stops the listener, cancels pending reconnects and tears
// down the active session.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.srv != nil {
		err = a.srv.Shutdown(ctx)
	}
	a.recon.Cancel()
	a.registry.Close()
	return err
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
