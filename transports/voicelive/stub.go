package voicelive

import (
	"context"
	"sync"

	"github.com/tiger/voice-agent-bridge/api/voice"
)

// Command records one transport command issued by the bridge, for assertions
// and dry runs.
type Command struct {
	Name string
	Role voice.Role
	Text string
}

// Command names recorded by the stub.
const (
	CommandSendAcknowledgement    = "send_acknowledgement"
	CommandCancelActiveResponse   = "cancel_active_response"
	CommandCreateConversationItem = "create_conversation_item"
	CommandRequestResponse        = "request_response"
	CommandStopPlayback           = "stop_playback"
)

// Stub is an in-memory voice.Transport for tests and dry runs. Events are
// fed with Emit; commands are recorded in issue order.
type Stub struct {
	mu       sync.Mutex
	events   chan voice.Event
	commands []Command
	closing  bool
	closed   bool

	// OnCancel, when set, runs synchronously inside CancelActiveResponse.
	// Tests use it to simulate the transport acknowledging a cancellation.
	OnCancel func()
	// OnRequestResponse, when set, runs synchronously inside RequestResponse.
	OnRequestResponse func()
}

// NewStub returns an empty stub transport.
func NewStub() *Stub {
	return &Stub{events: make(chan voice.Event, 64)}
}

// Emit feeds an event to the bridge's event loop.
func (s *Stub) Emit(event voice.Event) {
	s.events <- event
}

// SetClosing makes subsequent commands fail with voice.ErrSessionClosing.
func (s *Stub) SetClosing(closing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = closing
}

// Commands returns a copy of every recorded command in issue order.
func (s *Stub) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// CommandNames returns just the recorded command names in issue order.
func (s *Stub) CommandNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.commands))
	for i, command := range s.commands {
		names[i] = command.Name
	}
	return names
}

// Events implements voice.Transport.
func (s *Stub) Events() <-chan voice.Event {
	return s.events
}

// SendAcknowledgement implements voice.Transport.
func (s *Stub) SendAcknowledgement(ctx context.Context, text string) error {
	return s.record(ctx, Command{Name: CommandSendAcknowledgement, Text: text}, nil)
}

// CancelActiveResponse implements voice.Transport.
func (s *Stub) CancelActiveResponse(ctx context.Context) error {
	return s.record(ctx, Command{Name: CommandCancelActiveResponse}, s.OnCancel)
}

// CreateConversationItem implements voice.Transport.
func (s *Stub) CreateConversationItem(ctx context.Context, role voice.Role, text string) error {
	return s.record(ctx, Command{Name: CommandCreateConversationItem, Role: role, Text: text}, nil)
}

// RequestResponse implements voice.Transport.
func (s *Stub) RequestResponse(ctx context.Context) error {
	return s.record(ctx, Command{Name: CommandRequestResponse}, s.OnRequestResponse)
}

// StopPlayback implements voice.Transport.
func (s *Stub) StopPlayback(ctx context.Context) error {
	return s.record(ctx, Command{Name: CommandStopPlayback}, nil)
}

// Close implements voice.Transport.
func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *Stub) record(ctx context.Context, command Command, hook func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return voice.ErrSessionClosing
	}
	s.commands = append(s.commands, command)
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}
