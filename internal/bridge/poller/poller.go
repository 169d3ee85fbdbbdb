// Package poller periodically drains finished background queries and hands
// them to delivery. Polling keeps the bridge decoupled from the executor's
// concurrency model; the interval is a latency/overhead trade-off, not a
// correctness requirement, because draining is idempotent and queries stay
// claimed until delivered.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/tiger/voice-agent-bridge/api/voice"
	"github.com/tiger/voice-agent-bridge/internal/bridge/query"
	"github.com/tiger/voice-agent-bridge/internal/observability/telemetry"
)

// Deliverer receives drained queries strictly in completion order. The
// session coordinator implements it as interrupt-then-inject.
type Deliverer interface {
	Deliver(ctx context.Context, q query.PendingQuery) error
}

// Config controls the polling cadence.
type Config struct {
	// Interval between drain ticks. Defaults to 500ms.
	Interval time.Duration
	// Emitter receives delivery failure logs. Defaults to the process
	// emitter.
	Emitter telemetry.Emitter
}

// Poller drives periodic drains for the lifetime of a session.
type Poller struct {
	cfg       Config
	registry  *query.Registry
	deliverer Deliverer
}

// New creates a poller over the given registry.
func New(cfg Config, registry *query.Registry, deliverer Deliverer) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Emitter == nil {
		cfg.Emitter = telemetry.DefaultEmitter()
	}
	return &Poller{cfg: cfg, registry: registry, deliverer: deliverer}
}

// Run ticks until ctx is cancelled. Teardown abandons queries before
// cancelling this context, so nothing new appears on the last tick.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick drains once and delivers every claimed query in completion order.
// Claimed queries are never unclaimed: delivery is exactly-once, so a failed
// hand-off is logged and the rest of the batch still goes out. Only a
// closing transport or a dead context stops the tick; the remaining claims
// resolve with the session.
func (p *Poller) Tick(ctx context.Context) int {
	drained := p.registry.DrainFinished()
	delivered := 0
	for _, q := range drained {
		if err := p.deliverer.Deliver(ctx, q); err != nil {
			if errors.Is(err, voice.ErrSessionClosing) || ctx.Err() != nil {
				return delivered
			}
			p.cfg.Emitter.EmitLog("delivery_failed", "warn", err.Error(),
				telemetry.Correlation{QueryID: q.ID, Kind: string(q.Kind)})
			continue
		}
		delivered++
	}
	return delivered
}
