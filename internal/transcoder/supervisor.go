package transcoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/timelapser/camstream/internal/apperr"
	"github.com/timelapser/camstream/internal/logger"
	"github.com/timelapser/camstream/internal/rtsp"
)

// PlaylistName is the HLS manifest filename inside a session's output
// directory.
const PlaylistName = "playlist.m3u8"

// segmentFilePattern is handed to ffmpeg's -hls_segment_filename.
const segmentFilePattern = "segment_%03d.ts"

// SegmentName matches exactly the filenames the transcoder produces.
// Anything else fails closed at the HTTP layer.
var SegmentName = regexp.MustCompile(`^segment_\d{3,}\.ts$`)

// DefaultStopGrace bounds how long Stop waits for SIGTERM to work
// before escalating to SIGKILL.
const DefaultStopGrace = 5 * time.Second

// Config carries the transcoder knobs shared by all sessions.
type Config struct {
	Binary         string // ffmpeg path
	HWAccel        bool
	SegmentSeconds int
	PlaylistSize   int
	Log            logger.Config
}

// Supervisor owns exactly one ffmpeg process and its output directory
// for the lifetime of one session. It is single-use: Start once, Stop
// once (Stop is idempotent). It never restarts a crashed process; that
// decision belongs to the reconnection controller via a fresh connect.
type Supervisor struct {
	cfg        Config
	id         string
	outputDir  string
	onExit     func(error) // unexpected exit only, never after Stop
	onActivity func()      // every observed segment write

	mu            sync.Mutex
	cmd           *exec.Cmd
	stderr        io.WriteCloser
	watcher       *fsnotify.Watcher
	waitDone      chan struct{}
	exitErr       error
	stopRequested bool
	stopped       bool

	firstOutput chan struct{}
	firstOnce   sync.Once

	log *slog.Logger
}

// New prepares a supervisor for one session. onExit and onActivity may
// be nil.
func New(cfg Config, sessionID, outputDir string, onExit func(error), onActivity func()) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		id:          sessionID,
		outputDir:   outputDir,
		onExit:      onExit,
		onActivity:  onActivity,
		firstOutput: make(chan struct{}),
		log:         slog.Default().With("component", "transcoder", "session_id", sessionID),
	}
}

func (s *Supervisor) OutputDir() string { return s.outputDir }

// buildArgs assembles the ffmpeg argument list: RTSP over TCP in,
// pass-through video, AAC audio, short rolling HLS window out.
func (s *Supervisor) buildArgs(target string) []string {
	inputKw := ffmpeg.KwArgs{"rtsp_transport": "tcp"}
	if s.cfg.HWAccel {
		inputKw["hwaccel"] = "auto"
	}
	segSeconds := s.cfg.SegmentSeconds
	if segSeconds <= 0 {
		segSeconds = 2
	}
	listSize := s.cfg.PlaylistSize
	if listSize <= 0 {
		listSize = 5
	}
	stream := ffmpeg.Input(target, inputKw).
		Output(filepath.Join(s.outputDir, PlaylistName), ffmpeg.KwArgs{
			"c:v":                  "copy",
			"c:a":                  "aac",
			"f":                    "hls",
			"hls_time":             strconv.Itoa(segSeconds),
			"hls_list_size":        strconv.Itoa(listSize),
			"hls_flags":            "delete_segments",
			"hls_segment_filename": filepath.Join(s.outputDir, segmentFilePattern),
		}).
		GlobalArgs("-hide_banner", "-nostats", "-nostdin", "-loglevel", "error").
		OverWriteOutput()
	compiled := stream.Compile()
	return compiled.Args[1:]
}

// Start creates the output directory and launches ffmpeg in its own
// process group. It returns once the process is running; first-segment
// confirmation is AwaitFirstOutput's job.
func (s *Supervisor) Start(sourceURL string, creds *rtsp.Credentials) error {
	s.mu.Lock()
	if s.cmd != nil || s.stopped {
		s.mu.Unlock()
		return apperr.New(apperr.KindInternal, "transcoder already started")
	}
	s.mu.Unlock()

	if err := os.MkdirAll(s.outputDir, 0o750); err != nil {
		return apperr.Wrap(apperr.KindSpawn, "failed to create session directory", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(s.outputDir)
	}
	if err != nil {
		if watcher != nil {
			_ = watcher.Close()
		}
		_ = os.RemoveAll(s.outputDir)
		return apperr.Wrap(apperr.KindSpawn, "failed to watch session directory", err)
	}
	go s.watch(watcher)

	bin := s.cfg.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, s.buildArgs(rtsp.InjectCredentials(sourceURL, creds))...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := s.cfg.Log.StderrWriter(s.id)
	if err != nil {
		s.log.Warn("transcoder stderr log unavailable", "err", err)
	}
	// Stdout stays nil so exec wires the child to the null device; same
	// for stderr unless a rotating log is configured.
	if stderr != nil {
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		_ = watcher.Close()
		if stderr != nil {
			_ = stderr.Close()
		}
		_ = os.RemoveAll(s.outputDir)
		return apperr.Wrap(apperr.KindSpawn, "failed to start transcoder process", err)
	}

	s.mu.Lock()
	if s.stopped {
		// Stop won the race while we were launching. Kill what we just
		// started and leave nothing behind; Stop already considers this
		// supervisor finished.
		s.mu.Unlock()
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Wait()
		_ = watcher.Close()
		if stderr != nil {
			_ = stderr.Close()
		}
		_ = os.RemoveAll(s.outputDir)
		return apperr.New(apperr.KindSpawn, "transcoder was stopped before it could start")
	}
	s.cmd = cmd
	s.stderr = stderr
	s.watcher = watcher
	s.waitDone = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("transcoder started", "pid", cmd.Process.Pid, "url", rtsp.Redact(sourceURL))
	go s.monitor()
	return nil
}

// monitor reaps the process. On unexpected exit it fires onExit; the
// owning registry routes that into the shared teardown path.
func (s *Supervisor) monitor() {
	err := s.cmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	stopRequested := s.stopRequested
	stderr := s.stderr
	s.stderr = nil
	close(s.waitDone)
	s.mu.Unlock()

	if stderr != nil {
		_ = stderr.Close()
	}
	if stopRequested {
		return
	}
	s.log.Warn("transcoder exited unexpectedly", "err", err)
	if s.onExit != nil {
		s.onExit(err)
	}
}

// watch translates filesystem events into first-output and activity
// signals. It exits when the watcher is closed by Stop.
func (s *Supervisor) watch(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			switch {
			case name == PlaylistName:
				s.firstOnce.Do(func() { close(s.firstOutput) })
			case SegmentName.MatchString(name):
				if s.onActivity != nil {
					s.onActivity()
				}
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

// AwaitFirstOutput blocks until the manifest exists, the process dies,
// or ctx expires. It never blocks registry status or disconnect calls;
// the registry invokes it outside its slot lock.
func (s *Supervisor) AwaitFirstOutput(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(s.outputDir, PlaylistName)); err == nil {
		return nil
	}

	s.mu.Lock()
	waitDone := s.waitDone
	s.mu.Unlock()
	if waitDone == nil {
		return apperr.New(apperr.KindInternal, "transcoder not started")
	}

	select {
	case <-s.firstOutput:
		return nil
	case <-waitDone:
		s.mu.Lock()
		exitErr := s.exitErr
		s.mu.Unlock()
		return apperr.Wrap(apperr.KindSpawn, "transcoder exited before producing output", exitErr)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperr.New(apperr.KindTimeout, "transcoder produced no output within the start window")
		}
		return ctx.Err()
	}
}

// Alive reports whether the process is running.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.waitDone == nil {
		return false
	}
	select {
	case <-s.waitDone:
		return false
	default:
		return true
	}
}

// Stop terminates the process group (SIGTERM, then SIGKILL after
// grace) and unconditionally removes the output directory. It is
// idempotent and safe on a never-started or already-dead process.
func (s *Supervisor) Stop(grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.stopRequested = true
	cmd := s.cmd
	waitDone := s.waitDone
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}

	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			// already reaped by monitor
		default:
			pid := cmd.Process.Pid
			_ = syscall.Kill(-pid, syscall.SIGTERM)
			select {
			case <-waitDone:
			case <-time.After(grace):
				_ = syscall.Kill(-pid, syscall.SIGKILL)
				select {
				case <-waitDone:
				case <-time.After(200 * time.Millisecond):
					// best-effort
				}
			}
		}
	}

	if err := os.RemoveAll(s.outputDir); err != nil {
		s.log.Error("failed to remove session directory", "dir", s.outputDir, "err", err)
		return apperr.Wrap(apperr.KindInternal, "failed to remove session directory", err)
	}
	s.log.Info("transcoder stopped", "dir", s.outputDir)
	return nil
}
