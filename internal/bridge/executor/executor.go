// Package executor runs background queries outside the conversational
// control flow. Submissions beyond the concurrency ceiling queue in FIFO
// order instead of being rejected: a customer-service lookup must eventually
// complete rather than fail fast.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiger/voice-agent-bridge/internal/bridge/query"
	"github.com/tiger/voice-agent-bridge/internal/observability/telemetry"
)

// Work is one opaque asynchronous backend call. Implementations must honor
// ctx: cancellation has to unwind the call (releasing connections and the
// like) before Work returns.
type Work func(ctx context.Context) ([]byte, error)

// ErrShutdown indicates the executor no longer accepts submissions.
var ErrShutdown = errors.New("executor is shut down")

// Config controls executor bounds.
type Config struct {
	// MaxConcurrentQueries bounds simultaneous executions. Defaults to 3.
	MaxConcurrentQueries int
	// AgentTimeout forces a timeout failure when a backend call does not
	// finish in time. Defaults to 30s.
	AgentTimeout time.Duration
	// Now is injectable for deterministic tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentQueries <= 0 {
		c.MaxConcurrentQueries = 3
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Handle tracks one submitted task. Every task is joined or cancelled on
// teardown; nothing runs detached.
type Handle struct {
	QueryID string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Cancel requests cancellation of the underlying backend call.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done closes once the backend call has fully unwound and the registry has
// been updated.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stats reports executor counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	InFlight  int64
	Queued    int
}

type task struct {
	handle *Handle
	work   Work
	ctx    context.Context
}

// Executor is a bounded FIFO worker pool writing results back through the
// registry's single-writer-per-query contract.
type Executor struct {
	cfg      Config
	registry *query.Registry
	emitter  telemetry.Emitter

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*task
	handles  map[string]*Handle
	shutdown bool

	wg        sync.WaitGroup
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int64
}

// New creates an executor and starts its workers.
func New(cfg Config, registry *query.Registry, emitter telemetry.Emitter) *Executor {
	cfg = cfg.withDefaults()
	if emitter == nil {
		emitter = telemetry.DefaultEmitter()
	}
	e := &Executor{
		cfg:      cfg,
		registry: registry,
		emitter:  emitter,
		handles:  map[string]*Handle{},
	}
	e.cond = sync.NewCond(&e.mu)
	for i := 0; i < cfg.MaxConcurrentQueries; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Submit enqueues work for a registered query and returns its handle. The
// query transitions to running only when a worker picks it up.
func (e *Executor) Submit(queryID string, work Work) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &Handle{QueryID: queryID, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		cancel()
		return nil, ErrShutdown
	}
	e.queue = append(e.queue, &task{handle: handle, work: work, ctx: ctx})
	e.handles[queryID] = handle
	e.cond.Signal()
	e.mu.Unlock()

	e.submitted.Add(1)
	e.emitter.EmitLog(telemetry.EventQuerySubmitted, "info", "background query submitted",
		telemetry.Correlation{QueryID: queryID})
	return handle, nil
}

// Shutdown cancels every in-flight and queued task and joins all workers.
// Backend calls are cancelled, not abandoned: Shutdown returns only after
// each Work function has unwound or ctx expires.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	handles := make([]*Handle, 0, len(e.handles))
	for _, handle := range e.handles {
		handles = append(handles, handle)
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	for _, handle := range handles {
		handle.cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Stats returns a snapshot of executor counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	queued := len(e.queue)
	e.mu.Unlock()
	return Stats{
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		InFlight:  e.inFlight.Load(),
		Queued:    queued,
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		t := e.next()
		if t == nil {
			return
		}
		e.run(t)
	}
}

// next pops the head of the FIFO queue, blocking until work arrives or the
// executor shuts down. Pops are serialized under the mutex, so start order
// matches submission order even with multiple workers.
func (e *Executor) next() *task {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queue) == 0 {
		if e.shutdown {
			return nil
		}
		e.cond.Wait()
	}
	t := e.queue[0]
	e.queue = e.queue[1:]
	return t
}

func (e *Executor) run(t *task) {
	queryID := t.handle.QueryID
	defer close(t.handle.done)
	defer e.release(queryID)

	startedAt := e.cfg.Now()
	if err := e.registry.MarkRunning(queryID); err != nil {
		// The query was abandoned before a worker reached it; that is not
		// a failure.
		return
	}
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	ctx, cancel := context.WithTimeout(t.ctx, e.cfg.AgentTimeout)
	defer cancel()

	result, err := t.work(ctx)
	latencyMS := float64(e.cfg.Now().Sub(startedAt).Milliseconds())
	correlation := telemetry.Correlation{QueryID: queryID}

	if err == nil {
		if markErr := e.registry.MarkCompleted(queryID, result); markErr == nil {
			e.completed.Add(1)
			e.emitter.EmitMetric(telemetry.MetricQueryLatencyMS, latencyMS, correlation)
			e.emitter.EmitLog(telemetry.EventQueryCompleted, "info", "background query completed", correlation)
		}
		return
	}

	failure := Classify(err)
	if markErr := e.registry.MarkFailed(queryID, failure); markErr == nil {
		e.failed.Add(1)
		e.emitter.EmitLog(telemetry.EventQueryFailed, "warn", err.Error(), correlation)
	}
}

func (e *Executor) release(queryID string) {
	e.mu.Lock()
	delete(e.handles, queryID)
	e.mu.Unlock()
}

// Classify maps a backend call error to its failure class: timeout vs
// cancelled vs backend error.
func Classify(err error) query.Failure {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return query.Failure{Class: query.FailureTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return query.Failure{Class: query.FailureCancelled, Err: err}
	default:
		return query.Failure{Class: query.FailureBackend, Err: err}
	}
}
