// Package voicelive adapts a Voice-Live-style websocket session to the
// bridge's transport contract. The remote protocol is opaque JSON
// events; only the handful the bridge routes are decoded, everything
// else is ignored.
package voicelive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tiger/voice-agent-bridge/api/voice"
	"github.com/tiger/voice-agent-bridge/internal/audio"
)

// Server event types routed by the adapter.
const (
	wireTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	wireFunctionCallDone       = "response.function_call_arguments.done"
	wireResponseCreated        = "response.created"
	wireResponseDone           = "response.done"
	wireAudioDelta             = "response.audio.delta"
	wireSessionEnded           = "session.ended"
	wireError                  = "error"
)

// Conn is the websocket surface the adapter needs. *websocket.Conn
// satisfies it; tests inject a fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// serverEvent is the decoded superset of every routed server event.
type serverEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	CallID     string `json:"call_id"`
	Delta      string `json:"delta"`
	Response   struct {
		ID string `json:"id"`
	} `json:"response"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Adapter implements voice.Transport over a live websocket.
type Adapter struct {
	conn     Conn
	playback *audio.Buffer
	events   chan voice.Event
	// done releases a read loop blocked on the events channel once the
	// consumer is gone.
	done chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	closing bool
	closed  bool
}

// Dial connects to a Voice-Live endpoint and starts the adapter.
func Dial(ctx context.Context, url string, header http.Header, playback *audio.Buffer) (*Adapter, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial voice session: %w", err)
	}
	return NewAdapter(conn, playback), nil
}

// NewAdapter wraps an established connection and starts its read loop.
// A nil playback buffer disables local audio buffering.
func NewAdapter(conn Conn, playback *audio.Buffer) *Adapter {
	a := &Adapter{
		conn:     conn,
		playback: playback,
		events:   make(chan voice.Event, 64),
		done:     make(chan struct{}),
	}
	go a.readLoop()
	return a
}

// Events returns the normalized event stream. The channel closes when
// the websocket does.
func (a *Adapter) Events() <-chan voice.Event {
	return a.events
}

func (a *Adapter) readLoop() {
	defer close(a.events)
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			a.markClosing()
			return
		}
		var raw serverEvent
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		event, ok := a.translate(raw)
		if !ok {
			continue
		}
		if event.Type == voice.EventSessionEnded {
			a.markClosing()
		}
		select {
		case a.events <- event:
		case <-a.done:
			return
		}
	}
}

// translate maps one wire event to the bridge contract, reporting false
// for event types the bridge does not route.
func (a *Adapter) translate(raw serverEvent) (voice.Event, bool) {
	switch raw.Type {
	case wireTranscriptionCompleted:
		return voice.Event{
			Type:       voice.EventTranscriptionCompleted,
			Transcript: raw.Transcript,
			Role:       voice.RoleUser,
		}, true
	case wireFunctionCallDone:
		return voice.Event{
			Type:     voice.EventToolCallRequested,
			ToolName: raw.Name,
			ToolArgs: raw.Arguments,
			CallID:   raw.CallID,
		}, true
	case wireResponseCreated:
		return voice.Event{Type: voice.EventResponseStarted, ResponseID: raw.Response.ID}, true
	case wireResponseDone:
		return voice.Event{Type: voice.EventResponseCompleted, ResponseID: raw.Response.ID}, true
	case wireAudioDelta:
		if a.playback != nil {
			if chunk, err := base64.StdEncoding.DecodeString(raw.Delta); err == nil {
				a.playback.Enqueue(chunk)
			}
		}
		return voice.Event{}, false
	case wireSessionEnded:
		return voice.Event{Type: voice.EventSessionEnded}, true
	case wireError:
		return voice.Event{Type: voice.EventError, Err: raw.Error.Message}, true
	default:
		return voice.Event{}, false
	}
}

// SendAcknowledgement appends a spoken filler and asks for a response
// in one step, keeping the conversation alive while a lookup runs.
func (a *Adapter) SendAcknowledgement(ctx context.Context, text string) error {
	if err := a.CreateConversationItem(ctx, voice.RoleAssistant, text); err != nil {
		return err
	}
	return a.RequestResponse(ctx)
}

// CancelActiveResponse sends response.cancel. The remote treats a
// cancel with nothing active as a no-op.
func (a *Adapter) CancelActiveResponse(ctx context.Context) error {
	return a.send(ctx, map[string]any{"type": "response.cancel"})
}

// CreateConversationItem appends a message item without triggering
// generation.
func (a *Adapter) CreateConversationItem(ctx context.Context, role voice.Role, text string) error {
	return a.send(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": string(role),
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// RequestResponse sends response.create.
func (a *Adapter) RequestResponse(ctx context.Context) error {
	return a.send(ctx, map[string]any{"type": "response.create"})
}

// StopPlayback discards locally buffered audio and clears the remote
// output buffer.
func (a *Adapter) StopPlayback(ctx context.Context) error {
	if a.playback != nil {
		a.playback.Discard()
	}
	return a.send(ctx, map[string]any{"type": "output_audio_buffer.clear"})
}

// Close tears the websocket down. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.closing = true
	close(a.done)
	a.mu.Unlock()

	a.writeMu.Lock()
	_ = a.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	a.writeMu.Unlock()
	return a.conn.Close()
}

func (a *Adapter) markClosing() {
	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()
}

func (a *Adapter) send(ctx context.Context, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	closing := a.closing
	a.mu.Unlock()
	if closing {
		return voice.ErrSessionClosing
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", payload["type"], err)
	}

	// gorilla permits one concurrent writer.
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		a.markClosing()
		return fmt.Errorf("%w: %v", voice.ErrSessionClosing, err)
	}
	return nil
}
