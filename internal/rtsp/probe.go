package rtsp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/timelapser/camstream/internal/apperr"
)

// StreamMetadata describes the probed video stream. It is populated
// once during connect and immutable afterward.
type StreamMetadata struct {
	Resolution string `json:"resolution"`
	Codec      string `json:"codec"`
	FPS        int    `json:"fps"`
}

const DefaultProbeTimeout = 10 * time.Second

// Prober performs the bounded-time reachability and codec probe via
// ffprobe. It never retries; retry policy lives in the reconnection
// controller.
type Prober struct {
	Binary  string        // ffprobe path
	Timeout time.Duration // hard cap per probe, DefaultProbeTimeout if zero
}

type ffprobeOutput struct {
	Streams []struct {
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Probe connects to the camera over RTSP/TCP and inspects the first
// video stream. ctx cancellation aborts the probe immediately (a
// disconnect racing a slow connect); the configured timeout maps to
// KindTimeout.
func (p *Prober) Probe(ctx context.Context, rawURL string, creds *Credentials) (StreamMetadata, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	bin := p.Binary
	if bin == "" {
		bin = "ffprobe"
	}

	target := InjectCredentials(rawURL, creds)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-rtsp_transport", "tcp",
		"-timeout", strconv.FormatInt(timeout.Microseconds(), 10),
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height,r_frame_rate",
		"-of", "json",
		target,
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole group on ctx expiry, not just the direct child; a
	// forked helper holding the output pipes would otherwise keep Run
	// blocked past the deadline. WaitDelay bounds the pipe drain.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return StreamMetadata{}, apperr.New(apperr.KindTimeout,
			"Connection timeout. Camera not responding.")
	case errors.Is(ctx.Err(), context.Canceled):
		return StreamMetadata{}, ctx.Err()
	case err != nil:
		return StreamMetadata{}, classifyProbeError(stderr.String(), err)
	}

	return parseMetadata(stdout.Bytes())
}

// classifyProbeError maps ffprobe stderr to the error taxonomy.
// Boundary choice: "timeout" means the handshake stalled after the
// transport came up; "unreachable" means the connection itself failed.
func classifyProbeError(stderr string, cause error) error {
	switch {
	case strings.Contains(stderr, "401") || strings.Contains(stderr, "Unauthorized"):
		return apperr.Wrap(apperr.KindAuthRequired,
			"Authentication required. Please provide username and password.", cause)
	case strings.Contains(stderr, "Connection refused") ||
		strings.Contains(stderr, "No route to host") ||
		strings.Contains(stderr, "Network is unreachable") ||
		strings.Contains(stderr, "Name or service not known"):
		return apperr.Wrap(apperr.KindUnreachable,
			"Cannot reach camera. Check IP address and network connection.", cause)
	case strings.Contains(stderr, "Connection timed out") ||
		strings.Contains(stderr, "timed out"):
		return apperr.Wrap(apperr.KindTimeout,
			"Connection timeout. Camera not responding.", cause)
	default:
		msg := strings.TrimSpace(stderr)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg == "" {
			msg = "Failed to connect to camera. Please check the URL and try again."
		}
		return apperr.Wrap(apperr.KindUnreachable, msg, cause)
	}
}

func parseMetadata(out []byte) (StreamMetadata, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return StreamMetadata{}, apperr.Wrap(apperr.KindUnreachable,
			"camera returned an unreadable stream description", err)
	}
	if len(probe.Streams) == 0 {
		return StreamMetadata{}, apperr.New(apperr.KindUnreachable,
			"camera reported no video stream")
	}
	s := probe.Streams[0]

	codec := strings.ToLower(s.CodecName)
	if codec == "hevc" {
		codec = "h265"
	}
	if codec != "h264" && codec != "h265" {
		return StreamMetadata{}, apperr.Newf(apperr.KindUnsupportedCodec,
			"Unsupported video format. Camera must use H.264 or H.265 codec. Detected: %s", s.CodecName).
			WithDetails(map[string]any{"codec": s.CodecName})
	}

	resolution := "unknown"
	if s.Width > 0 && s.Height > 0 {
		resolution = fmt.Sprintf("%dx%d", s.Width, s.Height)
	}

	return StreamMetadata{
		Resolution: resolution,
		Codec:      codec,
		FPS:        parseFrameRate(s.RFrameRate),
	}, nil
}

// parseFrameRate handles ffprobe rational rates like "30/1" or
// "30000/1001", defaulting to 30 on anything unparseable.
func parseFrameRate(r string) int {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		return 30
	}
	n, err1 := strconv.Atoi(num)
	d, err2 := strconv.Atoi(den)
	if err1 != nil || err2 != nil || d == 0 || n <= 0 {
		return 30
	}
	fps := int(float64(n)/float64(d) + 0.5)
	if fps < 1 {
		fps = 1
	}
	return fps
}
