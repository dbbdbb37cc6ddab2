package rtsp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/timelapser/camstream/internal/apperr"
)

func TestClassifyProbeError(t *testing.T) {
	cause := errors.New("exit status 1")
	cases := []struct {
		stderr string
		want   apperr.Kind
	}{
		{"method DESCRIBE failed: 401 Unauthorized", apperr.KindAuthRequired},
		{"Connection to tcp://cam:554 failed: Connection refused", apperr.KindUnreachable},
		{"No route to host", apperr.KindUnreachable},
		{"Connection timed out", apperr.KindTimeout},
		{"something completely different", apperr.KindUnreachable},
		{"", apperr.KindUnreachable},
	}
	for _, tc := range cases {
		err := classifyProbeError(tc.stderr, cause)
		if apperr.KindOf(err) != tc.want {
			t.Errorf("classify(%q) = %s, want %s", tc.stderr, apperr.KindOf(err), tc.want)
		}
		if !errors.Is(err, cause) {
			t.Errorf("classify(%q) lost the cause", tc.stderr)
		}
	}
}

func TestParseMetadata(t *testing.T) {
	md, err := parseMetadata([]byte(`{"streams":[{"codec_name":"h264","width":1920,"height":1080,"r_frame_rate":"30/1"}]}`))
	if err != nil {
		t.Fatalf("parseMetadata: %v", err)
	}
	if md.Codec != "h264" || md.Resolution != "1920x1080" || md.FPS != 30 {
		t.Fatalf("md = %+v", md)
	}

	md, err = parseMetadata([]byte(`{"streams":[{"codec_name":"hevc","width":0,"height":0,"r_frame_rate":"bogus"}]}`))
	if err != nil {
		t.Fatalf("parseMetadata hevc: %v", err)
	}
	if md.Codec != "h265" {
		t.Fatalf("hevc must normalize to h265, got %s", md.Codec)
	}
	if md.Resolution != "unknown" || md.FPS != 30 {
		t.Fatalf("fallbacks not applied: %+v", md)
	}

	_, err = parseMetadata([]byte(`{"streams":[{"codec_name":"mpeg4"}]}`))
	if apperr.KindOf(err) != apperr.KindUnsupportedCodec {
		t.Fatalf("mpeg4 must be unsupported_codec, got %v", err)
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Details["codec"] != "mpeg4" {
		t.Fatalf("details must carry the detected codec: %v", err)
	}

	_, err = parseMetadata([]byte(`{"streams":[]}`))
	if apperr.KindOf(err) != apperr.KindUnreachable {
		t.Fatalf("empty stream list: %v", err)
	}
}

func TestParseFrameRate(t *testing.T) {
	cases := map[string]int{
		"30/1":       30,
		"30000/1001": 30,
		"25/1":       25,
		"0/0":        30,
		"":           30,
		"garbage":    30,
	}
	for in, want := range cases {
		if got := parseFrameRate(in); got != want {
			t.Errorf("parseFrameRate(%q) = %d, want %d", in, got, want)
		}
	}
}

// fakeProbe writes an executable stand-in for ffprobe.
func fakeProbe(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffprobe")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProbeSuccess(t *testing.T) {
	bin := fakeProbe(t, `echo '{"streams":[{"codec_name":"h264","width":1280,"height":720,"r_frame_rate":"25/1"}]}'`)
	p := &Prober{Binary: bin, Timeout: 5 * time.Second}
	md, err := p.Probe(context.Background(), "rtsp://cam.local:554/stream", nil)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if md.Codec != "h264" || md.Resolution != "1280x720" || md.FPS != 25 {
		t.Fatalf("md = %+v", md)
	}
}

func TestProbeAuthRequired(t *testing.T) {
	bin := fakeProbe(t, `echo "method DESCRIBE failed: 401 Unauthorized" >&2; exit 1`)
	p := &Prober{Binary: bin, Timeout: 5 * time.Second}
	_, err := p.Probe(context.Background(), "rtsp://cam.local/stream", nil)
	if apperr.KindOf(err) != apperr.KindAuthRequired {
		t.Fatalf("want auth_required, got %v", err)
	}
}

func TestProbeDeadline(t *testing.T) {
	// The backgrounded sleep inherits the output pipes; the deadline must
	// take down the whole process group, not just the shell.
	bin := fakeProbe(t, "sleep 30 &\nwait")
	p := &Prober{Binary: bin, Timeout: 100 * time.Millisecond}
	start := time.Now()
	_, err := p.Probe(context.Background(), "rtsp://cam.local/stream", nil)
	if apperr.KindOf(err) != apperr.KindTimeout {
		t.Fatalf("want timeout, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("probe was not bounded by its timeout")
	}
}

func TestProbeCancelled(t *testing.T) {
	bin := fakeProbe(t, `sleep 30`)
	p := &Prober{Binary: bin, Timeout: 30 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := p.Probe(ctx, "rtsp://cam.local/stream", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
