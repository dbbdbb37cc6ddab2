package session

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timelapser/camstream/internal/apperr"
	"github.com/timelapser/camstream/internal/metrics"
	"github.com/timelapser/camstream/internal/rtsp"
	"github.com/timelapser/camstream/internal/transcoder"
)

// Prober inspects an RTSP source before any transcoder is spawned.
type Prober interface {
	Probe(ctx context.Context, rawURL string, creds *rtsp.Credentials) (rtsp.StreamMetadata, error)
}

// Supervisor is the slice of the transcoder lifecycle the registry
// drives. *transcoder.Supervisor satisfies it.
type Supervisor interface {
	Start(sourceURL string, creds *rtsp.Credentials) error
	AwaitFirstOutput(ctx context.Context) error
	Stop(grace time.Duration) error
	Alive() bool
	OutputDir() string
}

// SupervisorFactory builds one supervisor per session attempt.
type SupervisorFactory func(sessionID, outputDir string, onExit func(error), onActivity func()) Supervisor

// Config carries the registry's lifecycle knobs.
type Config struct {
	OutputRoot    string
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	StartTimeout  time.Duration
	StopGrace     time.Duration
}

type entry struct {
	sess          Session
	creds         *rtsp.Credentials
	sup           Supervisor
	cancelConnect context.CancelFunc
}

// Registry enforces the single-session invariant: at most one entry
// occupies the slot, and every exit path funnels through teardown so
// the slot, the process and the output directory release together.
type Registry struct {
	cfg           Config
	prober        Prober
	newSupervisor SupervisorFactory
	onCrash       func(CrashInfo)

	mu     sync.Mutex
	cur    *entry
	closed bool

	sweepOnce sync.Once
	sweepStop chan struct{}

	log *slog.Logger
}

// New builds a registry. onCrash may be nil; when set it fires after
// the crashed session has been fully torn down.
func New(cfg Config, prober Prober, factory SupervisorFactory, onCrash func(CrashInfo)) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	r := &Registry{
		cfg:           cfg,
		prober:        prober,
		newSupervisor: factory,
		onCrash:       onCrash,
		sweepStop:     make(chan struct{}),
		log:           slog.Default().With("component", "session"),
	}
	go r.sweep()
	return r
}

// Connect runs the full pipeline: validate, probe, spawn, await first
// output. Explicit credentials override any embedded in the URL. On
// any failure the slot is released and the partial state removed.
func (r *Registry) Connect(ctx context.Context, rawURL, username, password string) (Session, error) {
	started := time.Now()

	if err := rtsp.ValidateURL(rawURL); err != nil {
		metrics.IncConnectFailure(string(apperr.KindOf(err)))
		return Session{}, err
	}
	cleanURL, creds := rtsp.SplitCredentials(rawURL)
	if username != "" {
		creds = &rtsp.Credentials{Username: username, Password: password}
	}

	connectCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		sess: Session{
			ID:             uuid.NewString(),
			SourceURL:      cleanURL,
			Status:         StatusStarting,
			CreatedAt:      time.Now().UTC(),
			LastActivityAt: time.Now().UTC(),
		},
		creds:         creds,
		cancelConnect: cancel,
	}
	e.sess.OutputDir = filepath.Join(r.cfg.OutputRoot, e.sess.ID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return Session{}, apperr.New(apperr.KindInternal, "registry is shut down")
	}
	if r.cur != nil {
		active := r.cur.sess.ID
		r.mu.Unlock()
		cancel()
		metrics.IncConnectFailure(string(apperr.KindConnectionLimit))
		return Session{}, apperr.New(apperr.KindConnectionLimit, "another stream is already connected").
			WithDetails(map[string]any{"activeSessionId": active})
	}
	r.cur = e
	r.mu.Unlock()

	fail := func(err error) (Session, error) {
		// A connect cancelled by a racing disconnect is not a source
		// failure; report the session as gone.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			err = apperr.New(apperr.KindSessionNotFound, "session was disconnected during startup")
		}
		r.teardown(e, "connect_failure")
		metrics.IncConnectFailure(string(apperr.KindOf(err)))
		return Session{}, err
	}

	md, err := r.prober.Probe(connectCtx, cleanURL, creds)
	if err != nil {
		return fail(err)
	}

	sup := r.newSupervisor(e.sess.ID, e.sess.OutputDir,
		func(exitErr error) { r.handleExit(e, exitErr) },
		func() { r.touch(e) })

	r.mu.Lock()
	if r.cur != e { // disconnected mid-connect
		r.mu.Unlock()
		return Session{}, apperr.New(apperr.KindSessionNotFound, "session was disconnected during startup")
	}
	e.sup = sup
	r.mu.Unlock()

	if err := sup.Start(cleanURL, creds); err != nil {
		return fail(err)
	}

	awaitCtx, awaitCancel := context.WithTimeout(connectCtx, r.cfg.StartTimeout)
	err = sup.AwaitFirstOutput(awaitCtx)
	awaitCancel()
	if err != nil {
		return fail(err)
	}

	r.mu.Lock()
	if r.cur != e {
		r.mu.Unlock()
		return Session{}, apperr.New(apperr.KindSessionNotFound, "session was disconnected during startup")
	}
	e.sess.Status = StatusActive
	e.sess.Metadata = &md
	e.sess.LastActivityAt = time.Now().UTC()
	snapshot := e.sess
	r.mu.Unlock()

	metrics.IncSessionStart()
	metrics.ObserveConnectDuration(time.Since(started))
	r.log.Info("session active",
		"session_id", snapshot.ID,
		"url", rtsp.Redact(snapshot.SourceURL),
		"codec", md.Codec,
		"resolution", md.Resolution)
	return snapshot, nil
}

// Disconnect stops the identified session. Unknown ids, including ids
// of sessions already torn down, yield session_not_found.
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	e := r.cur
	if e == nil || e.sess.ID != id {
		r.mu.Unlock()
		return apperr.Newf(apperr.KindSessionNotFound, "no session with id %s", id)
	}
	r.mu.Unlock()

	r.teardown(e, "disconnect")
	return nil
}

// Status returns a snapshot of the identified session.
func (r *Registry) Status(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil || r.cur.sess.ID != id {
		return Session{}, apperr.Newf(apperr.KindSessionNotFound, "no session with id %s", id)
	}
	return r.cur.sess, nil
}

// Active returns the current session snapshot, if any.
func (r *Registry) Active() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return Session{}, false
	}
	return r.cur.sess, true
}

// Touch refreshes the idle clock for the identified session. Playback
// reads and segment writes both count as activity.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil && r.cur.sess.ID == id {
		r.cur.sess.LastActivityAt = time.Now().UTC()
	}
}

func (r *Registry) touch(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == e {
		e.sess.LastActivityAt = time.Now().UTC()
	}
}

// ManifestPath resolves the playlist path for an active session.
func (r *Registry) ManifestPath(id string) (string, error) {
	dir, err := r.outputDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, transcoder.PlaylistName), nil
}

// SegmentPath resolves a segment path, failing closed on any name the
// transcoder could not have produced.
func (r *Registry) SegmentPath(id, name string) (string, error) {
	if !transcoder.SegmentName.MatchString(name) {
		return "", apperr.Newf(apperr.KindSegmentNotFound, "no such segment %q", name)
	}
	dir, err := r.outputDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (r *Registry) outputDir(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil || r.cur.sess.ID != id {
		return "", apperr.Newf(apperr.KindSessionNotFound, "no session with id %s", id)
	}
	return r.cur.sess.OutputDir, nil
}

// Close tears down the active session and stops the sweeper. The
// registry accepts no further connects.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	e := r.cur
	r.mu.Unlock()

	r.sweepOnce.Do(func() { close(r.sweepStop) })
	if e != nil {
		r.teardown(e, "shutdown")
	}
}

// teardown is the single exit path for a session: release the slot,
// cancel any in-flight connect, stop the process, drop the directory.
func (r *Registry) teardown(e *entry, reason string) {
	r.mu.Lock()
	if r.cur != e {
		r.mu.Unlock()
		return
	}
	r.cur = nil
	e.sess.Status = StatusStopping
	r.mu.Unlock()

	e.cancelConnect()
	if e.sup != nil {
		if err := e.sup.Stop(r.cfg.StopGrace); err != nil {
			r.log.Error("session teardown incomplete", "session_id", e.sess.ID, "err", err)
		}
	}

	r.mu.Lock()
	e.sess.Status = StatusStopped
	r.mu.Unlock()

	metrics.IncSessionStop(reason)
	r.log.Info("session stopped", "session_id", e.sess.ID, "reason", reason)
}

// handleExit reacts to an unexpected transcoder death: tear the
// session down, then hand the crash to the reconnection hook.
func (r *Registry) handleExit(e *entry, exitErr error) {
	metrics.IncTranscoderCrash()
	r.log.Warn("transcoder died", "session_id", e.sess.ID, "err", exitErr)

	// Deaths before the session went active belong to the connect
	// caller's error, not the reconnection path.
	r.mu.Lock()
	wasActive := e.sess.Status == StatusActive
	r.mu.Unlock()

	info := CrashInfo{
		SessionID:   e.sess.ID,
		SourceURL:   e.sess.SourceURL,
		Credentials: e.creds,
		Err:         exitErr,
	}
	r.teardown(e, "crash")
	if wasActive && r.onCrash != nil {
		r.onCrash(info)
	}
}

// sweep expires sessions whose idle clock ran out.
func (r *Registry) sweep() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			r.mu.Lock()
			e := r.cur
			var idle time.Duration
			if e != nil && e.sess.Status == StatusActive {
				idle = time.Since(e.sess.LastActivityAt)
			}
			r.mu.Unlock()
			if e != nil && idle > r.cfg.IdleTimeout {
				r.log.Info("session idle-expired", "session_id", e.sess.ID, "idle", idle)
				r.teardown(e, "idle_expiry")
			}
		}
	}
}
