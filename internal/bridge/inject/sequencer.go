// Package inject turns a finished background query into a conversational
// turn. Exactly-once delivery is enforced upstream by the registry's atomic
// drain claim, not by any lock here.
package inject

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tiger/voice-agent-bridge/api/voice"
	"github.com/tiger/voice-agent-bridge/internal/bridge/query"
	"github.com/tiger/voice-agent-bridge/internal/observability/telemetry"
)

// Turn is one attributable unit of conversation.
type Turn struct {
	Role    voice.Role
	Text    string
	QueryID string
	At      time.Time
}

// TurnLog is the session's append-only conversation record. Its order
// reflects true delivery order: injected turns are appended only under the
// registry's single-injection guarantee.
type TurnLog struct {
	mu    sync.Mutex
	turns []Turn
	now   func() time.Time
}

// NewTurnLog creates an empty log. A nil now falls back to time.Now.
func NewTurnLog(now func() time.Time) *TurnLog {
	if now == nil {
		now = time.Now
	}
	return &TurnLog{now: now}
}

// Append records a turn and returns its position.
func (l *TurnLog) Append(role voice.Role, text, queryID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, Turn{Role: role, Text: text, QueryID: queryID, At: l.now()})
	return len(l.turns) - 1
}

// Turns returns a copy of the log in append order.
func (l *TurnLog) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of recorded turns.
func (l *TurnLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Messages holds the spoken-text templates and acknowledgement phrases.
type Messages struct {
	// Acknowledgements rotate so fillers feel natural across lookups.
	Acknowledgements []string
	// ContextTemplate formats a successful result; %s receives the result
	// payload rendered as text.
	ContextTemplate string
	// TimeoutMessage is spoken when the backend exceeded its deadline.
	TimeoutMessage string
	// ErrorMessage is spoken for any other backend failure. The specific
	// cause is logged, never spoken.
	ErrorMessage string

	mu       sync.Mutex
	ackIndex int
}

// DefaultMessages returns the stock templates.
func DefaultMessages() *Messages {
	return &Messages{
		Acknowledgements: []string{
			"Let me look that up for you.",
			"One moment while I find that information.",
			"I'm checking our records now.",
			"Give me just a second to retrieve that data.",
			"Looking into that for you now.",
		},
		ContextTemplate: "Here is the information I found:\n%s\n\n" +
			"Share this naturally and conversationally. Summarize the key " +
			"points rather than reading everything verbatim, and keep it " +
			"concise for voice.",
		TimeoutMessage: "I could not find that information in time. " +
			"Apologize briefly and ask whether there is anything else you can help with.",
		ErrorMessage: "I ran into an issue looking that up. " +
			"Apologize briefly and ask the caller to try again or rephrase.",
	}
}

// NextAcknowledgement returns the next filler phrase in rotation.
func (m *Messages) NextAcknowledgement() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Acknowledgements) == 0 {
		return "Let me look that up for you."
	}
	phrase := m.Acknowledgements[m.ackIndex%len(m.Acknowledgements)]
	m.ackIndex++
	return phrase
}

// Render produces the system-role text spoken for a drained query. Failed
// queries become apologies so every request the caller triggered reaches a
// spoken resolution.
func (m *Messages) Render(q query.PendingQuery) string {
	if q.Failure != nil {
		if q.Failure.Class == query.FailureTimeout {
			return m.TimeoutMessage
		}
		return m.ErrorMessage
	}
	return fmt.Sprintf(m.ContextTemplate, strings.TrimSpace(string(q.Result)))
}

// Sequencer writes drained queries into the conversation.
type Sequencer struct {
	transport voice.Transport
	log       *TurnLog
	messages  *Messages
	emitter   telemetry.Emitter
	sessionID string
}

// NewSequencer wires a sequencer to the transport and turn log.
func NewSequencer(sessionID string, transport voice.Transport, log *TurnLog, messages *Messages, emitter telemetry.Emitter) *Sequencer {
	if messages == nil {
		messages = DefaultMessages()
	}
	if emitter == nil {
		emitter = telemetry.DefaultEmitter()
	}
	return &Sequencer{
		transport: transport,
		log:       log,
		messages:  messages,
		emitter:   emitter,
		sessionID: sessionID,
	}
}

// Inject appends the query's result (or fallback) as a system-role turn and
// requests a new response. Called only after the interruption controller has
// completed. If the transport is closing, the injection is dropped and
// logged, never retried: the session is tearing down anyway.
func (s *Sequencer) Inject(ctx context.Context, q query.PendingQuery) error {
	text := s.messages.Render(q)
	correlation := telemetry.Correlation{SessionID: s.sessionID, QueryID: q.ID, Kind: string(q.Kind)}

	if err := s.transport.CreateConversationItem(ctx, voice.RoleSystem, text); err != nil {
		if errors.Is(err, voice.ErrSessionClosing) {
			s.emitter.EmitLog(telemetry.EventInjectionDropped, "debug", "transport closing, injection dropped", correlation)
			return nil
		}
		return fmt.Errorf("create conversation item: %w", err)
	}

	s.log.Append(voice.RoleSystem, text, q.ID)

	if err := s.transport.RequestResponse(ctx); err != nil {
		if errors.Is(err, voice.ErrSessionClosing) {
			s.emitter.EmitLog(telemetry.EventInjectionDropped, "debug", "transport closing, response request dropped", correlation)
			return nil
		}
		return fmt.Errorf("request response: %w", err)
	}

	s.emitter.EmitLog(telemetry.EventInjectionPerformed, "info", "query result injected", correlation)
	return nil
}
