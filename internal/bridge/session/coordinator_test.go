package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tiger/voice-agent-bridge/api/voice"
	agentorders "github.com/tiger/voice-agent-bridge/internal/agent/orders"
	ordersbackend "github.com/tiger/voice-agent-bridge/internal/backend/orders"
	"github.com/tiger/voice-agent-bridge/transports/voicelive"
)

// gateBackend serves canned order answers, optionally holding each
// lookup until its gate is released or the context dies.
type gateBackend struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	results map[string]ordersbackend.StatusResult
}

func newGateBackend() *gateBackend {
	return &gateBackend{
		gates:   map[string]chan struct{}{},
		results: map[string]ordersbackend.StatusResult{},
	}
}

func (g *gateBackend) serve(orderID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[orderID] = ordersbackend.StatusResult{
		Found: true,
		Order: &ordersbackend.Order{ID: orderID, Status: status},
	}
}

func (g *gateBackend) hold(orderID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	gate := make(chan struct{})
	g.gates[orderID] = gate
	return gate
}

func (g *gateBackend) GetOrderStatus(ctx context.Context, orderID string) (ordersbackend.StatusResult, error) {
	g.mu.Lock()
	gate := g.gates[orderID]
	result, ok := g.results[orderID]
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ordersbackend.StatusResult{}, ctx.Err()
		}
	}
	if !ok {
		return ordersbackend.StatusResult{Found: false, Error: "Order " + orderID + " not found."}, nil
	}
	return result, nil
}

func (g *gateBackend) FindOrdersByCustomerName(ctx context.Context, name string) ([]ordersbackend.Order, error) {
	return []ordersbackend.Order{}, nil
}

func (g *gateBackend) ListOrders(ctx context.Context) ([]ordersbackend.Order, error) {
	return []ordersbackend.Order{}, nil
}

func newTestCoordinator(t *testing.T, cfg Config, backend ordersbackend.Backend, stub *voicelive.Stub) *Coordinator {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	c, err := New(cfg, Dependencies{
		Transport: stub,
		Agent:     agentorders.New(backend),
		Orders:    backend,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countCommands(stub *voicelive.Stub, name string) int {
	n := 0
	for _, c := range stub.Commands() {
		if c.Name == name {
			n++
		}
	}
	return n
}

func injectedTexts(stub *voicelive.Stub) []string {
	var out []string
	for _, c := range stub.Commands() {
		if c.Name == voicelive.CommandCreateConversationItem {
			out = append(out, c.Text)
		}
	}
	return out
}

func runCoordinator(t *testing.T, c *Coordinator) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background())
	}()
	return done
}

func finish(t *testing.T, stub *voicelive.Stub, done <-chan error) {
	t.Helper()
	stub.Emit(voice.Event{Type: voice.EventSessionEnded})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after session_ended")
	}
}

func TestLookupAcknowledgesThenInjects(t *testing.T) {
	t.Parallel()

	backend := newGateBackend()
	backend.serve("ORD-5001", "shipped")
	stub := voicelive.NewStub()
	c := newTestCoordinator(t, Config{SessionID: "s1"}, backend, stub)
	done := runCoordinator(t, c)

	stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: "Where is my order ORD-5001?"})

	waitFor(t, "injection", func() bool {
		return countCommands(stub, voicelive.CommandRequestResponse) >= 1
	})

	names := stub.CommandNames()
	ackAt, itemAt := -1, -1
	for i, n := range names {
		switch n {
		case voicelive.CommandSendAcknowledgement:
			if ackAt < 0 {
				ackAt = i
			}
		case voicelive.CommandCreateConversationItem:
			itemAt = i
		}
	}
	if ackAt < 0 || itemAt < 0 || ackAt > itemAt {
		t.Fatalf("acknowledgement must precede injection, got %v", names)
	}

	texts := injectedTexts(stub)
	if len(texts) != 1 || !strings.Contains(texts[0], "shipped") {
		t.Fatalf("injected texts = %v, want one containing the result", texts)
	}

	finish(t, stub, done)
	if got := c.Phase(); got != PhaseClosed {
		t.Fatalf("phase = %q, want %q", got, PhaseClosed)
	}
}

func TestInjectionInterruptsActiveResponse(t *testing.T) {
	t.Parallel()

	backend := newGateBackend()
	backend.serve("ORD-5001", "shipped")
	gate := backend.hold("ORD-5001")

	stub := voicelive.NewStub()
	// The transport acknowledges cancellation by emitting the completion
	// event for the active response.
	stub.OnCancel = func() {
		stub.Emit(voice.Event{Type: voice.EventResponseCompleted, ResponseID: "r1"})
	}

	c := newTestCoordinator(t, Config{SessionID: "s2"}, backend, stub)
	done := runCoordinator(t, c)

	stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: "Where is my order ORD-5001?"})
	waitFor(t, "acknowledgement", func() bool {
		return countCommands(stub, voicelive.CommandSendAcknowledgement) >= 1
	})

	// The model starts speaking about something else while the lookup runs.
	stub.Emit(voice.Event{Type: voice.EventResponseStarted, ResponseID: "r1"})
	waitFor(t, "active response", func() bool { return c.tracker.Active() })

	close(gate)
	waitFor(t, "injection", func() bool {
		return countCommands(stub, voicelive.CommandRequestResponse) >= 1
	})

	names := stub.CommandNames()
	stopAt, cancelAt, itemAt := -1, -1, -1
	for i, n := range names {
		switch n {
		case voicelive.CommandStopPlayback:
			stopAt = i
		case voicelive.CommandCancelActiveResponse:
			cancelAt = i
		case voicelive.CommandCreateConversationItem:
			itemAt = i
		}
	}
	if stopAt < 0 || cancelAt < 0 || itemAt < 0 {
		t.Fatalf("missing interruption commands: %v", names)
	}
	if !(stopAt < cancelAt && cancelAt < itemAt) {
		t.Fatalf("want stop < cancel < inject, got %v", names)
	}

	finish(t, stub, done)
}

func TestInterruptSkippedWhenNoActiveResponse(t *testing.T) {
	t.Parallel()

	backend := newGateBackend()
	backend.serve("ORD-5001", "shipped")
	stub := voicelive.NewStub()
	c := newTestCoordinator(t, Config{SessionID: "s3"}, backend, stub)
	done := runCoordinator(t, c)

	stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: "Where is my order ORD-5001?"})
	waitFor(t, "injection", func() bool {
		return countCommands(stub, voicelive.CommandRequestResponse) >= 1
	})

	if n := countCommands(stub, voicelive.CommandCancelActiveResponse); n != 0 {
		t.Fatalf("cancel_active_response sent %d times with nothing active", n)
	}
	if n := countCommands(stub, voicelive.CommandStopPlayback); n != 0 {
		t.Fatalf("stop_playback sent %d times with nothing active", n)
	}

	finish(t, stub, done)
}

func TestDeliveryFollowsCompletionOrder(t *testing.T) {
	t.Parallel()

	backend := newGateBackend()
	backend.serve("ORD-1111", "processing")
	backend.serve("ORD-2222", "delivered")
	gateA := backend.hold("ORD-1111")
	gateB := backend.hold("ORD-2222")

	stub := voicelive.NewStub()
	c := newTestCoordinator(t, Config{SessionID: "s4"}, backend, stub)
	done := runCoordinator(t, c)

	stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: "Check order ORD-1111 please"})
	stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: "Also check order ORD-2222"})
	waitFor(t, "both acknowledgements", func() bool {
		return countCommands(stub, voicelive.CommandSendAcknowledgement) >= 2
	})

	// B finishes first even though A was submitted first.
	close(gateB)
	waitFor(t, "first injection", func() bool {
		return countCommands(stub, voicelive.CommandCreateConversationItem) >= 1
	})
	close(gateA)
	waitFor(t, "second injection", func() bool {
		return countCommands(stub, voicelive.CommandCreateConversationItem) >= 2
	})

	texts := injectedTexts(stub)
	if len(texts) != 2 {
		t.Fatalf("injections = %d, want 2", len(texts))
	}
	if !strings.Contains(texts[0], "ORD-2222") || !strings.Contains(texts[1], "ORD-1111") {
		t.Fatalf("delivery order wrong: %v", texts)
	}

	finish(t, stub, done)
}

func TestTeardownAbandonsRunningQuery(t *testing.T) {
	t.Parallel()

	backend := newGateBackend()
	backend.serve("ORD-5001", "shipped")
	backend.hold("ORD-5001")

	stub := voicelive.NewStub()
	c := newTestCoordinator(t, Config{SessionID: "s5"}, backend, stub)
	done := runCoordinator(t, c)

	stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: "Where is my order ORD-5001?"})
	waitFor(t, "acknowledgement", func() bool {
		return countCommands(stub, voicelive.CommandSendAcknowledgement) >= 1
	})

	finish(t, stub, done)

	if n := countCommands(stub, voicelive.CommandCreateConversationItem); n != 0 {
		t.Fatalf("abandoned query was injected %d times", n)
	}
}

func TestDuplicateTranscriptProcessedOnce(t *testing.T) {
	t.Parallel()

	backend := newGateBackend()
	backend.serve("ORD-5001", "shipped")
	stub := voicelive.NewStub()
	c := newTestCoordinator(t, Config{SessionID: "s6"}, backend, stub)
	done := runCoordinator(t, c)

	stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: "Where is my order ORD-5001?"})
	stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: "Where is my order ORD-5001?"})

	waitFor(t, "injection", func() bool {
		return countCommands(stub, voicelive.CommandRequestResponse) >= 1
	})
	// Give the duplicate a chance to misfire before checking.
	time.Sleep(50 * time.Millisecond)

	if n := countCommands(stub, voicelive.CommandSendAcknowledgement); n != 1 {
		t.Fatalf("acknowledgements = %d, want 1", n)
	}

	finish(t, stub, done)
}

func TestBusyUtteranceAtCapacity(t *testing.T) {
	t.Parallel()

	backend := newGateBackend()
	backend.serve("ORD-1111", "processing")
	backend.serve("ORD-2222", "delivered")
	backend.hold("ORD-1111")
	backend.hold("ORD-2222")

	stub := voicelive.NewStub()
	c := newTestCoordinator(t, Config{SessionID: "s7", MaxOutstanding: 1}, backend, stub)
	done := runCoordinator(t, c)

	stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: "Check order ORD-1111 please"})
	waitFor(t, "first acknowledgement", func() bool {
		return countCommands(stub, voicelive.CommandSendAcknowledgement) >= 1
	})

	stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: "Also check order ORD-2222"})
	waitFor(t, "busy utterance", func() bool {
		for _, cmd := range stub.Commands() {
			if cmd.Name == voicelive.CommandSendAcknowledgement && cmd.Text == c.cfg.BusyMessage {
				return true
			}
		}
		return false
	})

	finish(t, stub, done)

	if n := countCommands(stub, voicelive.CommandCreateConversationItem); n != 0 {
		t.Fatalf("held queries should not have injected, got %d", n)
	}
}

func TestAcknowledgementWaitsOutPendingCancellation(t *testing.T) {
	t.Parallel()

	backend := newGateBackend()
	backend.serve("ORD-1111", "processing")
	backend.serve("ORD-2222", "delivered")
	gate := backend.hold("ORD-1111")
	backend.hold("ORD-2222")

	stub := voicelive.NewStub()
	// No cancellation acknowledgement ever arrives; the interrupt wait
	// runs to its timeout.
	c := newTestCoordinator(t, Config{SessionID: "s9", CancelAckTimeout: 75 * time.Millisecond}, backend, stub)
	done := runCoordinator(t, c)

	stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: "Check order ORD-1111 please"})
	waitFor(t, "first acknowledgement", func() bool {
		return countCommands(stub, voicelive.CommandSendAcknowledgement) >= 1
	})
	stub.Emit(voice.Event{Type: voice.EventResponseStarted, ResponseID: "r1"})
	waitFor(t, "active response", func() bool { return c.tracker.Active() })

	close(gate)
	waitFor(t, "cancellation", func() bool {
		return countCommands(stub, voicelive.CommandCancelActiveResponse) >= 1
	})

	// A second lookup lands while the cancel acknowledgement is still
	// pending. Its acknowledgement would open a new remote response, so it
	// must wait until the injection has gone out.
	stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: "Also check order ORD-2222"})
	waitFor(t, "second acknowledgement", func() bool {
		return countCommands(stub, voicelive.CommandSendAcknowledgement) >= 2
	})

	names := stub.CommandNames()
	cancelAt, injectAt := -1, -1
	for i, n := range names {
		switch n {
		case voicelive.CommandCancelActiveResponse:
			cancelAt = i
		case voicelive.CommandRequestResponse:
			if injectAt < 0 {
				injectAt = i
			}
		}
	}
	if cancelAt < 0 || injectAt < 0 || injectAt < cancelAt {
		t.Fatalf("unexpected command order %v", names)
	}
	for i := cancelAt + 1; i < injectAt; i++ {
		if names[i] == voicelive.CommandSendAcknowledgement {
			t.Fatalf("acknowledgement opened a response during the cancel wait: %v", names)
		}
	}

	finish(t, stub, done)
}

func TestToolCallValidatedAndInjected(t *testing.T) {
	t.Parallel()

	backend := newGateBackend()
	backend.serve("ORD-5001", "shipped")
	stub := voicelive.NewStub()
	c := newTestCoordinator(t, Config{SessionID: "s8"}, backend, stub)
	done := runCoordinator(t, c)

	// Schema-invalid arguments are rejected before any acknowledgement.
	stub.Emit(voice.Event{Type: voice.EventToolCallRequested, ToolName: "get_order_status", ToolArgs: `{}`})
	time.Sleep(50 * time.Millisecond)
	if n := countCommands(stub, voicelive.CommandSendAcknowledgement); n != 0 {
		t.Fatalf("invalid tool call acknowledged %d times", n)
	}

	stub.Emit(voice.Event{
		Type:     voice.EventToolCallRequested,
		ToolName: "get_order_status",
		ToolArgs: `{"order_id": "ORD-5001"}`,
	})
	waitFor(t, "injection", func() bool {
		return countCommands(stub, voicelive.CommandRequestResponse) >= 1
	})

	texts := injectedTexts(stub)
	if len(texts) != 1 || !strings.Contains(texts[0], "shipped") {
		t.Fatalf("injected texts = %v", texts)
	}

	finish(t, stub, done)
}
