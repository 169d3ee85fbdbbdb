// Package interrupt owns the transport's single active-response slot. Only
// this package cancels an in-flight response; the coordinator and the
// injection sequencer create new ones, serialized so a new response is never
// requested before the previous cancellation is acknowledged.
package interrupt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tiger/voice-agent-bridge/api/voice"
	"github.com/tiger/voice-agent-bridge/internal/observability/telemetry"
)

// ResponseTracker mirrors the transport's active-response slot from observed
// response lifecycle events. At most one response is in flight at a time.
type ResponseTracker struct {
	mu      sync.Mutex
	active  bool
	id      string
	cleared chan struct{}
}

// NewResponseTracker returns a tracker with no active response.
func NewResponseTracker() *ResponseTracker {
	t := &ResponseTracker{cleared: make(chan struct{})}
	close(t.cleared)
	return t
}

// Begin records a response starting.
func (t *ResponseTracker) Begin(responseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		t.cleared = make(chan struct{})
	}
	t.active = true
	t.id = responseID
}

// Clear records the active response finishing or being cancelled. Clearing
// when nothing is active is harmless: transports may emit completion for a
// response the tracker never saw start.
func (t *ResponseTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.active = false
	t.id = ""
	close(t.cleared)
}

// Active reports whether a response is currently in flight.
func (t *ResponseTracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// ActiveID returns the in-flight response id, if any.
func (t *ResponseTracker) ActiveID() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id, t.active
}

func (t *ResponseTracker) clearedCh() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cleared
}

// Config controls interruption behavior.
type Config struct {
	// CancelAckTimeout bounds the wait for the transport to acknowledge a
	// cancellation before the slot is considered forcibly cleared. Defaults
	// to 5s.
	CancelAckTimeout time.Duration
}

// Controller stops local playback and cancels the active remote response
// ahead of an injection.
type Controller struct {
	transport voice.Transport
	tracker   *ResponseTracker
	emitter   telemetry.Emitter
	cfg       Config
	sessionID string
}

// NewController wires a controller to the shared tracker and transport.
func NewController(cfg Config, sessionID string, transport voice.Transport, tracker *ResponseTracker, emitter telemetry.Emitter) *Controller {
	if cfg.CancelAckTimeout <= 0 {
		cfg.CancelAckTimeout = 5 * time.Second
	}
	if emitter == nil {
		emitter = telemetry.DefaultEmitter()
	}
	return &Controller{
		transport: transport,
		tracker:   tracker,
		emitter:   emitter,
		cfg:       cfg,
		sessionID: sessionID,
	}
}

// Interrupt halts whatever is in flight so an injection can take priority.
// When no response is active it is a no-op: no transport command is sent.
//
// Ordering is fixed: local playback stops first, then the remote generation
// is cancelled. The reverse would leave a window where already-buffered
// remote audio plays after local playback was told to stop.
func (c *Controller) Interrupt(ctx context.Context) error {
	if !c.tracker.Active() {
		return nil
	}

	if err := c.transport.StopPlayback(ctx); err != nil {
		return fmt.Errorf("stop playback: %w", err)
	}

	// The slot may have cleared between the check and the cancel; the
	// transport treats cancelling an idle session as a no-op.
	cleared := c.tracker.clearedCh()
	if err := c.transport.CancelActiveResponse(ctx); err != nil {
		return fmt.Errorf("cancel active response: %w", err)
	}
	c.emitter.EmitLog(telemetry.EventInterrupt, "info", "active response interrupted",
		telemetry.Correlation{SessionID: c.sessionID})

	select {
	case <-cleared:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.CancelAckTimeout):
		// The transport never acknowledged; force the slot clear so the
		// injection is not wedged behind a dead response.
		c.tracker.Clear()
		return nil
	}
}
