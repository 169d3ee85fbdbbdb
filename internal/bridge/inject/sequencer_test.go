package inject

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tiger/voice-agent-bridge/api/voice"
	"github.com/tiger/voice-agent-bridge/internal/bridge/query"
	"github.com/tiger/voice-agent-bridge/internal/observability/telemetry"
	"github.com/tiger/voice-agent-bridge/transports/voicelive"
)

func TestInjectSuccessfulQuery(t *testing.T) {
	t.Parallel()

	stub := voicelive.NewStub()
	log := NewTurnLog(nil)
	sink := telemetry.NewMemorySink(nil)
	seq := NewSequencer("sess-1", stub, log, nil, sink)

	q := query.PendingQuery{
		ID:     "query-1",
		Kind:   query.KindOrderLookup,
		State:  query.StateInjected,
		Result: []byte(`{"status":"in_transit","eta":"tomorrow"}`),
	}
	if err := seq.Inject(context.Background(), q); err != nil {
		t.Fatalf("unexpected inject error: %v", err)
	}

	names := stub.CommandNames()
	if len(names) != 2 || names[0] != voicelive.CommandCreateConversationItem || names[1] != voicelive.CommandRequestResponse {
		t.Fatalf("expected [create_conversation_item request_response], got %v", names)
	}
	commands := stub.Commands()
	if commands[0].Role != voice.RoleSystem || !strings.Contains(commands[0].Text, "in_transit") {
		t.Fatalf("unexpected conversation item %+v", commands[0])
	}
	turns := log.Turns()
	if len(turns) != 1 || turns[0].QueryID != "query-1" || turns[0].Role != voice.RoleSystem {
		t.Fatalf("unexpected turn log %+v", turns)
	}
	if len(sink.Named(telemetry.EventInjectionPerformed)) != 1 {
		t.Fatalf("expected injection telemetry event")
	}
}

func TestInjectFailedQuerySpeaksFallback(t *testing.T) {
	t.Parallel()

	stub := voicelive.NewStub()
	seq := NewSequencer("sess-1", stub, NewTurnLog(nil), nil, telemetry.NewMemorySink(nil))

	timeoutQuery := query.PendingQuery{
		ID:      "query-2",
		Kind:    query.KindCRMLookup,
		State:   query.StateInjected,
		Failure: &query.Failure{Class: query.FailureTimeout, Err: errors.New("context deadline exceeded")},
	}
	if err := seq.Inject(context.Background(), timeoutQuery); err != nil {
		t.Fatalf("unexpected inject error: %v", err)
	}
	item := stub.Commands()[0]
	if !strings.Contains(item.Text, "in time") {
		t.Fatalf("expected timeout fallback utterance, got %q", item.Text)
	}
	// The specific backend cause is logged, never spoken.
	if strings.Contains(item.Text, "deadline") {
		t.Fatalf("backend cause leaked into spoken text: %q", item.Text)
	}
}

func TestInjectDroppedWhenTransportClosing(t *testing.T) {
	t.Parallel()

	stub := voicelive.NewStub()
	stub.SetClosing(true)
	log := NewTurnLog(nil)
	sink := telemetry.NewMemorySink(nil)
	seq := NewSequencer("sess-1", stub, log, nil, sink)

	q := query.PendingQuery{ID: "query-3", State: query.StateInjected, Result: []byte("x")}
	if err := seq.Inject(context.Background(), q); err != nil {
		t.Fatalf("expected dropped injection to be silent, got %v", err)
	}
	if log.Len() != 0 {
		t.Fatalf("dropped injection must not append a turn")
	}
	dropped := sink.Named(telemetry.EventInjectionDropped)
	if len(dropped) != 1 || dropped[0].Severity != "debug" {
		t.Fatalf("expected one debug-level drop event, got %+v", dropped)
	}
}

func TestAcknowledgementRotation(t *testing.T) {
	t.Parallel()

	messages := DefaultMessages()
	first := messages.NextAcknowledgement()
	second := messages.NextAcknowledgement()
	if first == second {
		t.Fatalf("expected rotation to advance, got %q twice", first)
	}
	for i := 0; i < len(messages.Acknowledgements)-2; i++ {
		messages.NextAcknowledgement()
	}
	if again := messages.NextAcknowledgement(); again != first {
		t.Fatalf("expected rotation to wrap to %q, got %q", first, again)
	}
}
