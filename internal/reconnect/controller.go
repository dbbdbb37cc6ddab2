package reconnect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/timelapser/camstream/internal/apperr"
	"github.com/timelapser/camstream/internal/rtsp"
)

// State of the reconnection state machine.
type State string

const (
	StateIdle         State = "idle"
	StateReconnecting State = "reconnecting"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// DefaultDelays is the bounded backoff schedule: one attempt per
// delay, then the controller gives up until a manual retry.
var DefaultDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Dial re-establishes a session against the same camera and returns
// the new session's ID. The registry's Connect, adapted, fits here.
// Cancelling ctx must abort the dial.
type Dial func(ctx context.Context, sourceURL string, creds *rtsp.Credentials) (string, error)

// Undo tears down a session created by a dial whose cycle was
// cancelled before the result came back.
type Undo func(sessionID string)

// Controller reacts to mid-stream failures by redialing the camera on
// a fixed schedule. Exactly one timer is ever armed; Cancel and a new
// failure both invalidate in-flight attempts via a generation counter.
type Controller struct {
	delays []time.Duration
	dial   Dial
	undo   Undo

	mu         sync.Mutex
	state      State
	attempt    int
	gen        uint64
	timer      *time.Timer
	dialCancel context.CancelFunc
	url        string
	creds      *rtsp.Credentials

	log *slog.Logger
}

// New builds an idle controller. A nil or empty delay schedule falls
// back to DefaultDelays; undo may be nil when dials cannot outlive a
// cancellation.
func New(delays []time.Duration, dial Dial, undo Undo) *Controller {
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	return &Controller{
		delays: delays,
		dial:   dial,
		undo:   undo,
		state:  StateIdle,
		log:    slog.Default().With("component", "reconnect"),
	}
}

// State returns the current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the 1-based attempt counter, 0 when no cycle runs.
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// StreamFailed starts a reconnection cycle for the given target. A
// cycle already in flight keeps running; the newest target wins only
// when the controller is at rest.
func (c *Controller) StreamFailed(sourceURL string, creds *rtsp.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReconnecting || c.state == StateConnecting {
		return
	}
	c.url = sourceURL
	c.creds = creds
	c.startCycleLocked()
	c.log.Info("stream failed, reconnecting",
		"url", rtsp.Redact(sourceURL), "delay", c.delays[0])
}

// Retry restarts the schedule after the controller gave up. It is a
// no-op unless the machine is in the failed state.
func (c *Controller) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFailed {
		return apperr.Newf(apperr.KindInternal, "no failed reconnection to retry (state %s)", c.state)
	}
	c.startCycleLocked()
	return nil
}

// Connected tells the controller a session was established outside of
// its own dialing, cancelling any pending attempt.
func (c *Controller) Connected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
	c.state = StateConnected
}

// Cancel aborts any pending or in-flight attempt. It is unconditional
// and idempotent. Cancelling a running cycle lands in the failed state
// so a manual retry stays available; cancelling a connected or resting
// machine returns it to idle.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
	switch c.state {
	case StateReconnecting, StateConnecting:
		c.state = StateFailed
	case StateConnected:
		c.state = StateIdle
	}
}

func (c *Controller) startCycleLocked() {
	c.invalidateLocked()
	c.attempt = 1
	c.state = StateReconnecting
	c.armLocked(c.delays[0])
}

// invalidateLocked bumps the generation so stale timer fires and
// dial results fall on the floor, disarms the timer and aborts any
// dial still in flight.
func (c *Controller) invalidateLocked() {
	c.gen++
	c.attempt = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
}

func (c *Controller) armLocked(d time.Duration) {
	gen := c.gen
	c.timer = time.AfterFunc(d, func() { c.fire(gen) })
}

func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	url, creds, attempt := c.url, c.creds, c.attempt
	c.mu.Unlock()

	id, err := c.dial(ctx, url, creds)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		// Cancelled while dialing. A dial that landed a session anyway
		// must not leave it streaming unattended.
		c.mu.Unlock()
		if err == nil && c.undo != nil {
			c.log.Info("tearing down superseded reconnect", "session_id", id)
			c.undo(id)
		}
		return
	}
	c.dialCancel = nil
	defer c.mu.Unlock()
	if err == nil {
		c.state = StateConnected
		c.attempt = 0
		c.log.Info("reconnected", "url", rtsp.Redact(url), "attempt", attempt)
		return
	}
	if !apperr.IsRetryable(err) {
		c.state = StateFailed
		c.log.Warn("reconnect abandoned", "url", rtsp.Redact(url), "attempt", attempt, "err", err)
		return
	}
	if attempt >= len(c.delays) {
		c.state = StateFailed
		c.log.Warn("reconnect attempts exhausted", "url", rtsp.Redact(url), "attempts", attempt, "err", err)
		return
	}
	c.attempt = attempt + 1
	c.state = StateReconnecting
	c.armLocked(c.delays[attempt])
	c.log.Info("reconnect attempt failed, backing off",
		"url", rtsp.Redact(url), "attempt", attempt, "next_delay", c.delays[attempt], "err", err)
}
