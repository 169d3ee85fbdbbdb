// Package query tracks the lifecycle of every in-flight background request.
// The registry owns the canonical copy of each query; the executor writes
// back through compare-and-transition so no two mutations of the same query
// can interleave.
package query

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a pending query's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateInjected  State = "injected"
)

// Kind is the semantic category of a background request. It drives executor
// dispatch only and never affects delivery ordering.
type Kind string

const (
	KindOrderLookup    Kind = "order_lookup"
	KindCustomerOrders Kind = "customer_orders"
	KindListOrders     Kind = "list_orders"
	KindCRMLookup      Kind = "crm_lookup"
	KindTicketCreate   Kind = "ticket_create"
	KindCalendar       Kind = "calendar_availability"
)

// FailureClass classifies a terminal failure for the spoken fallback path.
type FailureClass string

const (
	FailureTimeout   FailureClass = "backend_timeout"
	FailureBackend   FailureClass = "backend_error"
	FailureCancelled FailureClass = "cancelled"
)

var (
	// ErrNotFound is returned for unknown or already-injected query ids.
	ErrNotFound = errors.New("pending query not found")
	// ErrInvalidTransition is returned when a compare-and-transition observes
	// an unexpected current state. States are monotonic; none is revisited.
	ErrInvalidTransition = errors.New("invalid pending query state transition")
)

// Failure records why a query terminated without a result.
type Failure struct {
	Class FailureClass
	Err   error
}

// PendingQuery is one tracked background request. Values returned from the
// registry are snapshots; only the registry mutates the canonical entry.
type PendingQuery struct {
	ID          string
	Kind        Kind
	Request     map[string]any
	OriginalSay string
	State       State
	CreatedAt   time.Time
	CompletedAt time.Time
	Result      []byte
	Failure     *Failure
}

// Succeeded reports whether the query finished with a usable result.
func (q PendingQuery) Succeeded() bool {
	return q.Failure == nil && len(q.Result) > 0
}

// Registry is the session-scoped pending query store. All mutations are
// linearizable; DrainFinished never observes a partially written entry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*PendingQuery
	now     func() time.Time
	// seq breaks completed_at ties so delivery order stays stable even when
	// two queries finish within the same clock tick.
	seq     int64
	seqByID map[string]int64
}

// NewRegistry creates an empty registry. A nil now falls back to time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries: map[string]*PendingQuery{},
		seqByID: map[string]int64{},
		now:     now,
	}
}

// Create registers a new query in StatePending and returns its id.
func (r *Registry) Create(kind Kind, request map[string]any, originalSay string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := fmt.Sprintf("query-%s", uuid.NewString())
	r.entries[id] = &PendingQuery{
		ID:          id,
		Kind:        kind,
		Request:     request,
		OriginalSay: originalSay,
		State:       StatePending,
		CreatedAt:   r.now(),
	}
	return id
}

// MarkRunning transitions pending -> running.
func (r *Registry) MarkRunning(id string) error {
	return r.transition(id, StatePending, func(q *PendingQuery) {
		q.State = StateRunning
	})
}

// MarkCompleted transitions running -> completed and records the result.
func (r *Registry) MarkCompleted(id string, result []byte) error {
	return r.transition(id, StateRunning, func(q *PendingQuery) {
		q.State = StateCompleted
		q.Result = result
		q.CompletedAt = r.now()
		r.seqByID[id] = r.seq
	})
}

// MarkFailed transitions running -> failed and records the classified error.
func (r *Registry) MarkFailed(id string, failure Failure) error {
	return r.transition(id, StateRunning, func(q *PendingQuery) {
		q.State = StateFailed
		q.Failure = &failure
		q.CompletedAt = r.now()
		r.seqByID[id] = r.seq
	})
}

// Lookup returns a snapshot of a live (not yet injected) query.
func (r *Registry) Lookup(id string) (PendingQuery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok || entry.State == StateInjected {
		return PendingQuery{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *entry, nil
}

// DrainFinished atomically claims every completed and failed query for
// injection and returns snapshots ordered by completion time (ties broken by
// completion sequence). Claimed entries transition to StateInjected, so a
// concurrent drain can never double-deliver the same query: each query is
// claimed by exactly one caller.
//
// Failed queries travel the same path as completed ones; the sequencer turns
// them into a spoken fallback so no request dangles silently.
func (r *Registry) DrainFinished() []PendingQuery {
	r.mu.Lock()
	defer r.mu.Unlock()

	var drained []PendingQuery
	for _, entry := range r.entries {
		if entry.State != StateCompleted && entry.State != StateFailed {
			continue
		}
		entry.State = StateInjected
		drained = append(drained, *entry)
	}
	sort.SliceStable(drained, func(i, j int) bool {
		a, b := drained[i], drained[j]
		if !a.CompletedAt.Equal(b.CompletedAt) {
			return a.CompletedAt.Before(b.CompletedAt)
		}
		return r.seqByID[a.ID] < r.seqByID[b.ID]
	})
	return drained
}

// Abandon drops a query without injection, used on session teardown. Unknown
// ids are ignored.
func (r *Registry) Abandon(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	delete(r.seqByID, id)
}

// Outstanding returns ids of queries that have not reached a terminal state.
func (r *Registry) Outstanding() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, entry := range r.entries {
		if entry.State == StatePending || entry.State == StateRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sweep removes injected entries older than maxAge, keeping long sessions
// from accumulating delivered queries.
func (r *Registry) Sweep(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for id, entry := range r.entries {
		if entry.State == StateInjected && entry.CompletedAt.Before(cutoff) {
			delete(r.entries, id)
			delete(r.seqByID, id)
			removed++
		}
	}
	return removed
}

// transition applies mutate only when the entry currently holds want.
func (r *Registry) transition(id string, want State, mutate func(*PendingQuery)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if entry.State != want {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, id, entry.State, want)
	}
	r.seq++
	mutate(entry)
	return nil
}
