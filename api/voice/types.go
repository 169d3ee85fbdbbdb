// Package voice defines the event and command contract between the bridge
// and a duplex speech transport. The transport itself (websocket session,
// audio codecs, turn detection) is opaque: the bridge only consumes the
// events below and issues the commands below.
package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EventType identifies a normalized transport event.
type EventType string

const (
	// EventTranscriptionCompleted carries a finished user utterance transcript.
	EventTranscriptionCompleted EventType = "transcription_completed"
	// EventToolCallRequested carries a native tool-call trigger from the model.
	EventToolCallRequested EventType = "tool_call_requested"
	// EventResponseStarted marks the transport beginning a synthesized response.
	EventResponseStarted EventType = "response_started"
	// EventResponseCompleted marks the active response finishing or being cancelled.
	EventResponseCompleted EventType = "response_completed"
	// EventSessionEnded marks transport-side session teardown.
	EventSessionEnded EventType = "session_ended"
	// EventError carries a transport-level error notification.
	EventError EventType = "error"
)

// Role attributes a conversation item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Event is one normalized transport event.
type Event struct {
	Type EventType
	// Transcript is set for EventTranscriptionCompleted.
	Transcript string
	// Role attributes the transcript; transports that only transcribe the
	// caller leave it RoleUser.
	Role Role
	// ToolName and ToolArgs are set for EventToolCallRequested. ToolArgs is
	// the raw JSON argument payload as emitted by the model.
	ToolName string
	ToolArgs string
	// CallID correlates a tool call with its output item, when the transport
	// assigns one.
	CallID string
	// ResponseID identifies the response for response lifecycle events.
	ResponseID string
	// Err is set for EventError.
	Err string
}

// Validate rejects events the bridge cannot route.
func (e Event) Validate() error {
	switch e.Type {
	case EventTranscriptionCompleted:
		if strings.TrimSpace(e.Transcript) == "" {
			return fmt.Errorf("transcription_completed requires a transcript")
		}
	case EventToolCallRequested:
		if strings.TrimSpace(e.ToolName) == "" {
			return fmt.Errorf("tool_call_requested requires a tool name")
		}
	case EventResponseStarted, EventResponseCompleted, EventSessionEnded, EventError:
	default:
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
	return nil
}

// ErrSessionClosing indicates the transport no longer accepts commands
// because the session began tearing down. Injections hitting this error are
// dropped, never retried.
var ErrSessionClosing = errors.New("transport session is closing")

// Transport is the command surface the bridge drives. Implementations must
// tolerate concurrent calls; every command honors context cancellation.
type Transport interface {
	// Events returns the stream of normalized transport events. The channel
	// closes when the session ends.
	Events() <-chan Event

	// SendAcknowledgement speaks an immediate filler ("looking it up") so the
	// conversation stays alive while a background query runs.
	SendAcknowledgement(ctx context.Context, text string) error

	// CancelActiveResponse cancels the in-flight response generation, if any.
	// Cancelling when nothing is active is a no-op, not an error.
	CancelActiveResponse(ctx context.Context) error

	// CreateConversationItem appends a conversational turn to the remote
	// session state without triggering generation.
	CreateConversationItem(ctx context.Context, role Role, text string) error

	// RequestResponse asks the transport to generate and speak a response
	// from current conversation state.
	RequestResponse(ctx context.Context) error

	// StopPlayback discards any locally buffered but unplayed audio. Buffered
	// output is dropped, not drained: an injected answer must be heard ahead
	// of stale audio.
	StopPlayback(ctx context.Context) error

	// Close tears the session down. Safe to call more than once.
	Close() error
}
