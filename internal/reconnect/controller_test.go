package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/timelapser/camstream/internal/apperr"
	"github.com/timelapser/camstream/internal/rtsp"
)

var testDelays = []time.Duration{10 * time.Millisecond, 15 * time.Millisecond, 20 * time.Millisecond}

type dialScript struct {
	mu    sync.Mutex
	errs  []error // result per call; past the end, the last repeats
	calls int
}

func (d *dialScript) dial(_ context.Context, _ string, _ *rtsp.Credentials) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i >= len(d.errs) {
		i = len(d.errs) - 1
	}
	if d.errs[i] != nil {
		return "", d.errs[i]
	}
	return "sess-redial", nil
}

func (d *dialScript) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func awaitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func TestReconnectFirstAttemptSucceeds(t *testing.T) {
	d := &dialScript{errs: []error{nil}}
	c := New(testDelays, d.dial, nil)

	c.StreamFailed("rtsp://cam.local/a", nil)
	if c.State() != StateReconnecting {
		t.Fatalf("state after failure = %s", c.State())
	}
	awaitState(t, c, StateConnected)
	if d.callCount() != 1 {
		t.Fatalf("dials = %d, want 1", d.callCount())
	}
}

func TestBackoffThenSuccess(t *testing.T) {
	retryable := apperr.New(apperr.KindUnreachable, "down")
	d := &dialScript{errs: []error{retryable, retryable, nil}}
	c := New(testDelays, d.dial, nil)

	c.StreamFailed("rtsp://cam.local/a", nil)
	awaitState(t, c, StateConnected)
	if d.callCount() != 3 {
		t.Fatalf("dials = %d, want 3", d.callCount())
	}
}

func TestExhaustionFailsThenManualRetry(t *testing.T) {
	retryable := apperr.New(apperr.KindTimeout, "still down")
	d := &dialScript{errs: []error{retryable}}
	c := New(testDelays, d.dial, nil)

	c.StreamFailed("rtsp://cam.local/a", nil)
	awaitState(t, c, StateFailed)
	if d.callCount() != len(testDelays) {
		t.Fatalf("dials = %d, want %d", d.callCount(), len(testDelays))
	}

	// Manual retry restarts the schedule from the first delay.
	if err := c.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	awaitState(t, c, StateFailed)
	if d.callCount() != 2*len(testDelays) {
		t.Fatalf("dials after retry = %d, want %d", d.callCount(), 2*len(testDelays))
	}

	c.Connected()
	if err := c.Retry(); err == nil {
		t.Fatal("Retry outside the failed state must error")
	}
}

func TestNonRetryableAbandonsImmediately(t *testing.T) {
	d := &dialScript{errs: []error{apperr.New(apperr.KindAuthRequired, "bad creds")}}
	c := New(testDelays, d.dial, nil)

	c.StreamFailed("rtsp://cam.local/a", nil)
	awaitState(t, c, StateFailed)
	if d.callCount() != 1 {
		t.Fatalf("dials = %d, want 1", d.callCount())
	}
}

func TestCancelStopsPendingAttempt(t *testing.T) {
	d := &dialScript{errs: []error{nil}}
	c := New([]time.Duration{time.Hour}, d.dial, nil)

	c.StreamFailed("rtsp://cam.local/a", nil)
	c.Cancel()
	c.Cancel() // idempotent
	if c.State() != StateFailed {
		t.Fatalf("cancelling a running cycle must land in failed, got %s", c.State())
	}
	time.Sleep(30 * time.Millisecond)
	if d.callCount() != 0 {
		t.Fatalf("cancelled cycle must not dial, dials = %d", d.callCount())
	}

	// From connected the same call is a plain reset.
	c.Connected()
	c.Cancel()
	if c.State() != StateIdle {
		t.Fatalf("cancelling a connected machine must go idle, got %s", c.State())
	}
}

func TestConnectedSupersedesCycle(t *testing.T) {
	d := &dialScript{errs: []error{nil}}
	c := New([]time.Duration{time.Hour}, d.dial, nil)

	c.StreamFailed("rtsp://cam.local/a", nil)
	c.Connected()
	if c.State() != StateConnected {
		t.Fatalf("state = %s, want connected", c.State())
	}
	time.Sleep(30 * time.Millisecond)
	if d.callCount() != 0 {
		t.Fatalf("superseded cycle must not dial, dials = %d", d.callCount())
	}
}

func TestCancelAbortsInflightDial(t *testing.T) {
	returned := make(chan error, 1)
	dial := func(ctx context.Context, _ string, _ *rtsp.Credentials) (string, error) {
		<-ctx.Done()
		returned <- ctx.Err()
		return "", ctx.Err()
	}
	c := New([]time.Duration{time.Millisecond}, dial, nil)

	c.StreamFailed("rtsp://cam.local/a", nil)
	awaitState(t, c, StateConnecting)
	c.Cancel()

	select {
	case err := <-returned:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("dial context: %v, want canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not abort the in-flight dial")
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
}

func TestCancelDuringDialUndoesLateSuccess(t *testing.T) {
	block := make(chan struct{})
	undone := make(chan string, 1)
	dial := func(_ context.Context, _ string, _ *rtsp.Credentials) (string, error) {
		<-block
		return "sess-late", nil
	}
	c := New([]time.Duration{time.Millisecond}, dial, func(id string) { undone <- id })

	c.StreamFailed("rtsp://cam.local/a", nil)
	awaitState(t, c, StateConnecting)
	c.Cancel()
	close(block)

	// The dial succeeded after the cancel; its session must be torn
	// down, not left streaming with a failed controller.
	select {
	case id := <-undone:
		if id != "sess-late" {
			t.Fatalf("undone session = %q, want sess-late", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late dial success was not undone")
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
}

func TestDuplicateFailureReportsCoalesce(t *testing.T) {
	d := &dialScript{errs: []error{nil}}
	c := New(testDelays, d.dial, nil)

	c.StreamFailed("rtsp://cam.local/a", nil)
	c.StreamFailed("rtsp://cam.local/a", nil)
	awaitState(t, c, StateConnected)
	time.Sleep(30 * time.Millisecond)
	if d.callCount() != 1 {
		t.Fatalf("dials = %d, want 1", d.callCount())
	}
}
