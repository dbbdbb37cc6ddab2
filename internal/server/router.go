package server

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"path"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timelapser/camstream/internal/apperr"
	"github.com/timelapser/camstream/internal/metrics"
	"github.com/timelapser/camstream/internal/reconnect"
	"github.com/timelapser/camstream/internal/session"
	"github.com/timelapser/camstream/internal/transcoder"
)

// Sessions is the registry surface the HTTP layer drives.
// *session.Registry satisfies it.
type Sessions interface {
	Connect(ctx context.Context, rawURL, username, password string) (session.Session, error)
	Disconnect(id string) error
	Status(id string) (session.Session, error)
	Active() (session.Session, bool)
	Touch(id string)
	ManifestPath(id string) (string, error)
	SegmentPath(id, name string) (string, error)
}

// Reconnector is the slice of the reconnection controller the HTTP
// layer needs. *reconnect.Controller satisfies it.
type Reconnector interface {
	Connected()
	Cancel()
	Retry() error
	State() reconnect.State
	Attempt() int
}

// Config carries the HTTP surface knobs.
type Config struct {
	BasePath            string
	CORSOrigins         []string
	ConnectPerMinute    int
	DisconnectPerMinute int
	FFmpegBinary        string
	ProbeBinary         string
	Version             string
}

// Router provides the camera preview API.
// Endpoints under {basePath}:
//
//	POST /camera/connect             body: {rtspUrl, username?, password?}
//	POST /camera/disconnect          body: {sessionId}
//	POST /camera/retry
//	GET  /camera/status/:session
//	GET  /camera/stream/:session/:file   (playlist.m3u8 or segment_NNN.ts)
//
// Plus /health and /metrics at the root.
type Router struct {
	cfg      Config
	sessions Sessions
	recon    Reconnector

	connectLimit    *ipLimiter
	disconnectLimit *ipLimiter
}

// NewRouter constructs a Router. recon may be nil when reconnection is
// disabled.
func NewRouter(cfg Config, sessions Sessions, recon Reconnector) *Router {
	cfg.BasePath = sanitizeBase(cfg.BasePath)
	if cfg.ConnectPerMinute <= 0 {
		cfg.ConnectPerMinute = 10
	}
	if cfg.DisconnectPerMinute <= 0 {
		cfg.DisconnectPerMinute = 20
	}
	return &Router{
		cfg:             cfg,
		sessions:        sessions,
		recon:           recon,
		connectLimit:    newIPLimiter(cfg.ConnectPerMinute),
		disconnectLimit: newIPLimiter(cfg.DisconnectPerMinute),
	}
}

// Handler returns an http.Handler that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), cors(r.cfg.CORSOrigins))
	g.GET("/health", r.handleHealth)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	cam := g.Group(r.cfg.BasePath + "/camera")
	cam.POST("/connect", rateLimit(r.connectLimit), r.handleConnect)
	cam.POST("/disconnect", rateLimit(r.disconnectLimit), r.handleDisconnect)
	cam.POST("/retry", r.handleRetry)
	cam.GET("/status/:session", r.handleStatus)
	cam.GET("/stream/:session/:file", r.handleStream)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- Handlers ---

type connectReq struct {
	RTSPURL  string `json:"rtspUrl"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type connectResp struct {
	Status         string        `json:"status"`
	SessionID      string        `json:"sessionId"`
	HLSPlaylistURL string        `json:"hlsPlaylistUrl"`
	StreamMetadata *rtspMetadata `json:"streamMetadata,omitempty"`
}

type rtspMetadata struct {
	Resolution string `json:"resolution"`
	Codec      string `json:"codec"`
	FPS        int    `json:"fps"`
}

func (r *Router) handleConnect(c *gin.Context) {
	var req connectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.New(apperr.KindInvalidURL, "request body must be JSON with an rtspUrl field"))
		return
	}
	if req.RTSPURL == "" {
		writeError(c, apperr.New(apperr.KindInvalidURL, "rtspUrl is required"))
		return
	}

	sess, err := r.sessions.Connect(c.Request.Context(), req.RTSPURL, req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	if r.recon != nil {
		r.recon.Connected()
	}

	resp := connectResp{
		Status:         string(sess.Status),
		SessionID:      sess.ID,
		HLSPlaylistURL: r.playlistURL(sess.ID),
	}
	if sess.Metadata != nil {
		resp.StreamMetadata = &rtspMetadata{
			Resolution: sess.Metadata.Resolution,
			Codec:      sess.Metadata.Codec,
			FPS:        sess.Metadata.FPS,
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) playlistURL(id string) string {
	return path.Join(r.cfg.BasePath, "camera", "stream", id, transcoder.PlaylistName)
}

type disconnectReq struct {
	SessionID string `json:"sessionId"`
}

func (r *Router) handleDisconnect(c *gin.Context) {
	var req disconnectReq
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		writeError(c, apperr.New(apperr.KindSessionNotFound, "sessionId is required"))
		return
	}
	if r.recon != nil {
		r.recon.Cancel()
	}
	if err := r.sessions.Disconnect(req.SessionID); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "disconnected", "sessionId": req.SessionID})
}

func (r *Router) handleRetry(c *gin.Context) {
	if r.recon == nil {
		writeError(c, apperr.New(apperr.KindInternal, "reconnection is disabled"))
		return
	}
	if err := r.recon.Retry(); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "reconnecting"})
}

type statusResp struct {
	session.Session
	HLSPlaylistURL string          `json:"hlsPlaylistUrl"`
	Reconnect      *reconnectState `json:"reconnect,omitempty"`
}

type reconnectState struct {
	State   reconnect.State `json:"state"`
	Attempt int             `json:"attempt"`
}

func (r *Router) handleStatus(c *gin.Context) {
	sess, err := r.sessions.Status(c.Param("session"))
	if err != nil {
		writeError(c, err)
		return
	}
	r.sessions.Touch(sess.ID)
	resp := statusResp{
		Session:        sess,
		HLSPlaylistURL: r.playlistURL(sess.ID),
	}
	if r.recon != nil {
		resp.Reconnect = &reconnectState{State: r.recon.State(), Attempt: r.recon.Attempt()}
	}
	writeJSON(c, http.StatusOK, resp)
}

// handleStream serves the playlist and segments. Both route through
// the registry so names fail closed and reads count as activity.
func (r *Router) handleStream(c *gin.Context) {
	id := c.Param("session")
	file := c.Param("file")

	if file == transcoder.PlaylistName {
		p, err := r.sessions.ManifestPath(id)
		if err != nil {
			writeError(c, err)
			return
		}
		if _, err := os.Stat(p); err != nil {
			writeError(c, apperr.New(apperr.KindSessionNotFound, "stream is not producing output yet"))
			return
		}
		r.sessions.Touch(id)
		metrics.IncSegmentRequest("playlist")
		c.Header("Content-Type", "application/vnd.apple.mpegurl")
		c.Header("Cache-Control", "no-cache, no-store")
		c.File(p)
		return
	}

	p, err := r.sessions.SegmentPath(id, file)
	if err != nil {
		writeError(c, err)
		return
	}
	if _, err := os.Stat(p); err != nil {
		writeError(c, apperr.Newf(apperr.KindSegmentNotFound, "segment %s has expired or does not exist", file))
		return
	}
	r.sessions.Touch(id)
	metrics.IncSegmentRequest("segment")
	c.Header("Content-Type", "video/mp2t")
	c.Header("Cache-Control", "public, max-age=60, immutable")
	c.File(p)
}

type healthResp struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version,omitempty"`
	FFmpeg        bool      `json:"ffmpeg"`
	FFmpegPath    string    `json:"ffmpegPath,omitempty"`
	ActiveSession string    `json:"activeSession,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	resp := healthResp{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   r.cfg.Version,
		FFmpeg:    true,
	}
	if p, err := exec.LookPath(r.binary(r.cfg.FFmpegBinary, "ffmpeg")); err != nil {
		resp.Status = "unhealthy"
		resp.FFmpeg = false
	} else {
		resp.FFmpegPath = p
	}
	if _, err := exec.LookPath(r.binary(r.cfg.ProbeBinary, "ffprobe")); err != nil {
		resp.Status = "unhealthy"
		resp.FFmpeg = false
	}
	if sess, ok := r.sessions.Active(); ok {
		resp.ActiveSession = sess.ID
	}
	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, resp)
}

func (r *Router) binary(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}
