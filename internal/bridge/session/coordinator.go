// Package session hosts the per-call coordinator: a small FSM plus the
// event loop that turns transport events into background queries and
// turns finished queries into injected answers.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tiger/voice-agent-bridge/api/voice"
	agentorders "github.com/tiger/voice-agent-bridge/internal/agent/orders"
	"github.com/tiger/voice-agent-bridge/internal/backend/llm"
	ordersbackend "github.com/tiger/voice-agent-bridge/internal/backend/orders"
	"github.com/tiger/voice-agent-bridge/internal/bridge/executor"
	"github.com/tiger/voice-agent-bridge/internal/bridge/inject"
	"github.com/tiger/voice-agent-bridge/internal/bridge/interrupt"
	"github.com/tiger/voice-agent-bridge/internal/bridge/poller"
	"github.com/tiger/voice-agent-bridge/internal/bridge/query"
	"github.com/tiger/voice-agent-bridge/internal/classify"
	"github.com/tiger/voice-agent-bridge/internal/observability/telemetry"
	"github.com/tiger/voice-agent-bridge/internal/toolcall"
)

// Phase is the coordinator's lifecycle state.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseAcknowledging Phase = "acknowledging"
	PhaseConversing    Phase = "conversing"
	PhaseInterrupting  Phase = "interrupting"
	PhaseInjecting     Phase = "injecting"
	PhaseClosed        Phase = "closed"
)

// Config controls one session.
type Config struct {
	SessionID string
	// MaxConcurrentQueries and AgentTimeout are passed to the executor.
	MaxConcurrentQueries int
	AgentTimeout         time.Duration
	// PollInterval is the result poller cadence.
	PollInterval time.Duration
	// CancelAckTimeout bounds the interruption controller's wait for a
	// cancellation acknowledgement.
	CancelAckTimeout time.Duration
	// MaxOutstanding is the point at which new lookups get a spoken "busy"
	// utterance instead of a submission. Defaults to 8.
	MaxOutstanding int
	// BusyMessage is spoken at capacity.
	BusyMessage string
	// TeardownTimeout bounds executor shutdown on session end. Defaults
	// to 5s.
	TeardownTimeout time.Duration
	// TranscriptCacheSize bounds the dedupe cache. Defaults to 100.
	TranscriptCacheSize int
	// Now is injectable for deterministic tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SessionID == "" {
		c.SessionID = "session"
	}
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = 8
	}
	if c.BusyMessage == "" {
		c.BusyMessage = "I'm still working on your earlier requests. One moment please."
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 5 * time.Second
	}
	if c.TranscriptCacheSize <= 0 {
		c.TranscriptCacheSize = 100
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Dependencies are the collaborators a coordinator drives. Transport,
// Agent and Orders are required; Reasoner is optional and gates the
// non-order query kinds.
type Dependencies struct {
	Transport  voice.Transport
	Classifier *classify.Classifier
	Agent      *agentorders.Agent
	Orders     ordersbackend.Backend
	Tools      *toolcall.Set
	Reasoner   *llm.Reasoner
	Messages   *inject.Messages
	Emitter    telemetry.Emitter
}

// Coordinator owns the bridge wiring for one session.
type Coordinator struct {
	cfg  Config
	deps Dependencies

	registry    *query.Registry
	exec        *executor.Executor
	tracker     *interrupt.ResponseTracker
	interrupter *interrupt.Controller
	sequencer   *inject.Sequencer
	poll        *poller.Poller
	turnLog     *inject.TurnLog

	// responseMu serializes remote response creation: an acknowledgement
	// must not open a new response between a cancel and its
	// acknowledgement.
	responseMu sync.Mutex

	mu        sync.Mutex
	phase     Phase
	seen      map[string]struct{}
	seenOrder []string
}

// New wires a coordinator. The executor's workers start immediately;
// event consumption starts with Run.
func New(cfg Config, deps Dependencies) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("order agent is required")
	}
	if deps.Orders == nil {
		return nil, fmt.Errorf("order backend is required")
	}
	if deps.Classifier == nil {
		classifier, err := classify.New(classify.Config{})
		if err != nil {
			return nil, err
		}
		deps.Classifier = classifier
	}
	if deps.Tools == nil {
		tools, err := toolcall.NewSet(toolcall.DefaultTools())
		if err != nil {
			return nil, err
		}
		deps.Tools = tools
	}
	if deps.Messages == nil {
		deps.Messages = inject.DefaultMessages()
	}
	if deps.Emitter == nil {
		deps.Emitter = telemetry.DefaultEmitter()
	}

	c := &Coordinator{
		cfg:      cfg,
		deps:     deps,
		registry: query.NewRegistry(cfg.Now),
		tracker:  interrupt.NewResponseTracker(),
		turnLog:  inject.NewTurnLog(cfg.Now),
		phase:    PhaseIdle,
		seen:     map[string]struct{}{},
	}
	c.exec = executor.New(executor.Config{
		MaxConcurrentQueries: cfg.MaxConcurrentQueries,
		AgentTimeout:         cfg.AgentTimeout,
		Now:                  cfg.Now,
	}, c.registry, deps.Emitter)
	c.interrupter = interrupt.NewController(interrupt.Config{CancelAckTimeout: cfg.CancelAckTimeout},
		cfg.SessionID, deps.Transport, c.tracker, deps.Emitter)
	c.sequencer = inject.NewSequencer(cfg.SessionID, deps.Transport, c.turnLog, deps.Messages, deps.Emitter)
	c.poll = poller.New(poller.Config{Interval: cfg.PollInterval, Emitter: deps.Emitter}, c.registry, c)
	return c, nil
}

// Phase returns the current lifecycle phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Turns returns the session turn log so far.
func (c *Coordinator) Turns() []inject.Turn {
	return c.turnLog.Turns()
}

// Run consumes transport events until the stream closes, the session
// ends, or ctx is cancelled, then tears the session down. It blocks for
// the session lifetime.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setPhase(PhaseConversing)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.poll.Run(ctx)
	}()

	events := c.deps.Transport.Events()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case event, ok := <-events:
			if !ok {
				break loop
			}
			if event.Type == voice.EventSessionEnded {
				break loop
			}
			c.handle(ctx, event)
		}
	}

	cancel()
	wg.Wait()
	return c.teardown()
}

// teardown stops the executor, abandons whatever never finished, and
// closes the transport. Abandoned queries are never injected.
func (c *Coordinator) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TeardownTimeout)
	defer cancel()

	shutdownErr := c.exec.Shutdown(ctx)

	// A final drain would race the shutdown we just performed; everything
	// still tracked is dropped instead.
	for _, id := range c.registry.Outstanding() {
		c.registry.Abandon(id)
	}

	closeErr := c.deps.Transport.Close()
	c.setPhase(PhaseClosed)
	c.deps.Emitter.EmitLog(telemetry.EventSessionClosed, "info", "session closed",
		telemetry.Correlation{SessionID: c.cfg.SessionID})

	if shutdownErr != nil {
		return fmt.Errorf("executor shutdown: %w", shutdownErr)
	}
	return closeErr
}

func (c *Coordinator) handle(ctx context.Context, event voice.Event) {
	if err := event.Validate(); err != nil {
		c.deps.Emitter.EmitLog("event_rejected", "debug", err.Error(),
			telemetry.Correlation{SessionID: c.cfg.SessionID})
		return
	}

	switch event.Type {
	case voice.EventTranscriptionCompleted:
		if event.Role != "" && event.Role != voice.RoleUser {
			return
		}
		c.handleTranscript(ctx, event.Transcript)
	case voice.EventToolCallRequested:
		c.handleToolCall(ctx, event)
	case voice.EventResponseStarted:
		c.tracker.Begin(event.ResponseID)
	case voice.EventResponseCompleted:
		c.tracker.Clear()
	case voice.EventError:
		c.deps.Emitter.EmitLog("transport_error", "warn", event.Err,
			telemetry.Correlation{SessionID: c.cfg.SessionID})
	}
}

func (c *Coordinator) handleTranscript(ctx context.Context, text string) {
	if c.isDuplicateTranscript(text) {
		return
	}
	c.turnLog.Append(voice.RoleUser, text, "")

	action := c.deps.Agent.Decide(text)
	switch action.Type {
	case agentorders.ActionAskIdentifier:
		c.speak(ctx, action.Say)
		return
	case agentorders.ActionLookup:
		kind, request := lookupQuery(action.Lookup)
		c.submit(ctx, kind, request, action.Say, text)
		return
	}

	// Not order territory; let the classifier decide whether the
	// reasoning backend should research it in the background.
	result := c.deps.Classifier.Classify(text)
	if result.Type != classify.TypeDataLookup || c.deps.Reasoner == nil {
		return
	}
	c.submit(ctx, query.KindCRMLookup, map[string]any{"question": text},
		c.deps.Messages.NextAcknowledgement(), text)
}

func (c *Coordinator) handleToolCall(ctx context.Context, event voice.Event) {
	kind, args, err := c.deps.Tools.Validate(event.ToolName, event.ToolArgs)
	if err != nil {
		c.deps.Emitter.EmitLog("tool_call_rejected", "warn", err.Error(),
			telemetry.Correlation{SessionID: c.cfg.SessionID, Kind: event.ToolName})
		return
	}
	c.submit(ctx, kind, args, c.deps.Messages.NextAcknowledgement(), event.ToolName)
}

// submit acknowledges immediately and queues the backend call; the
// conversation continues while it runs.
func (c *Coordinator) submit(ctx context.Context, kind query.Kind, request map[string]any, say, sourceText string) {
	if len(c.registry.Outstanding()) >= c.cfg.MaxOutstanding {
		c.speak(ctx, c.cfg.BusyMessage)
		return
	}

	c.setPhase(PhaseAcknowledging)
	c.speak(ctx, say)

	id := c.registry.Create(kind, request, say)
	if _, err := c.exec.Submit(id, c.work(kind, request, sourceText)); err != nil {
		c.registry.Abandon(id)
		c.deps.Emitter.EmitLog("submit_rejected", "warn", err.Error(),
			telemetry.Correlation{SessionID: c.cfg.SessionID, QueryID: id, Kind: string(kind)})
	}
	c.deps.Emitter.EmitMetric(telemetry.MetricPendingQueries,
		float64(len(c.registry.Outstanding())),
		telemetry.Correlation{SessionID: c.cfg.SessionID})
	c.setPhase(PhaseConversing)
}

// speak sends an acknowledgement and records it as an assistant turn.
// A closing transport downgrades to a debug log. Acknowledgements open a
// remote response, so speak waits out any in-flight delivery rather than
// racing its cancellation.
func (c *Coordinator) speak(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	c.responseMu.Lock()
	defer c.responseMu.Unlock()
	if err := c.deps.Transport.SendAcknowledgement(ctx, text); err != nil {
		c.deps.Emitter.EmitLog("acknowledgement_dropped", "debug", err.Error(),
			telemetry.Correlation{SessionID: c.cfg.SessionID})
		return
	}
	c.turnLog.Append(voice.RoleAssistant, text, "")
}

// work builds the executor task for a query kind. Order kinds hit the
// deterministic backend; everything else goes to the reasoning backend.
func (c *Coordinator) work(kind query.Kind, request map[string]any, sourceText string) executor.Work {
	return func(ctx context.Context) ([]byte, error) {
		switch kind {
		case query.KindOrderLookup:
			result, err := c.deps.Agent.Lookup(ctx, agentorders.LookupRequest{
				OrderID: stringArg(request, "order_id"),
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		case query.KindCustomerOrders:
			result, err := c.deps.Agent.Lookup(ctx, agentorders.LookupRequest{
				CustomerName: stringArg(request, "customer_name"),
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		case query.KindListOrders:
			list, err := c.deps.Orders.ListOrders(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]any{"found": len(list) > 0, "orders": list})
		default:
			if c.deps.Reasoner == nil {
				return nil, fmt.Errorf("no reasoning backend configured for %s", kind)
			}
			answer, err := c.deps.Reasoner.Answer(ctx, llm.Question{
				Text:    sourceText,
				Records: request,
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"answer": answer})
		}
	}
}

// Deliver implements poller.Deliverer: interrupt whatever is speaking,
// then inject the finished query. The response slot is held for the whole
// sequence so no acknowledgement lands between the cancel and the
// injection's response request.
func (c *Coordinator) Deliver(ctx context.Context, q query.PendingQuery) error {
	c.responseMu.Lock()
	defer c.responseMu.Unlock()

	c.setPhase(PhaseInterrupting)
	if err := c.interrupter.Interrupt(ctx); err != nil {
		// Injection still proceeds; a dead transport surfaces there as a
		// dropped injection.
		c.deps.Emitter.EmitLog("interrupt_failed", "warn", err.Error(),
			telemetry.Correlation{SessionID: c.cfg.SessionID, QueryID: q.ID})
	}

	c.setPhase(PhaseInjecting)
	err := c.sequencer.Inject(ctx, q)
	c.setPhase(PhaseConversing)
	return err
}

// isDuplicateTranscript filters repeated transcription events. The
// transport may emit the same finished utterance more than once.
func (c *Coordinator) isDuplicateTranscript(text string) bool {
	key := strings.ToLower(strings.TrimSpace(text))
	if len(key) > 100 {
		key = key[:100]
	}
	if key == "" {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[key]; ok {
		return true
	}
	c.seen[key] = struct{}{}
	c.seenOrder = append(c.seenOrder, key)
	if len(c.seenOrder) > c.cfg.TranscriptCacheSize {
		drop := len(c.seenOrder) - c.cfg.TranscriptCacheSize/2
		for _, old := range c.seenOrder[:drop] {
			delete(c.seen, old)
		}
		c.seenOrder = append([]string(nil), c.seenOrder[drop:]...)
	}
	return false
}

func lookupQuery(req *agentorders.LookupRequest) (query.Kind, map[string]any) {
	if req == nil {
		return query.KindListOrders, map[string]any{}
	}
	if req.OrderID != "" {
		return query.KindOrderLookup, map[string]any{"order_id": req.OrderID}
	}
	return query.KindCustomerOrders, map[string]any{"customer_name": req.CustomerName}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
