// Command voicebridge hosts one bridge session: it connects a
// Voice-Live-style websocket transport (or an in-memory stub for dry
// runs) to the background-query bridge and runs until the session ends
// or the process is signalled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tiger/voice-agent-bridge/api/voice"
	agentorders "github.com/tiger/voice-agent-bridge/internal/agent/orders"
	"github.com/tiger/voice-agent-bridge/internal/audio"
	"github.com/tiger/voice-agent-bridge/internal/backend/llm"
	ordersbackend "github.com/tiger/voice-agent-bridge/internal/backend/orders"
	"github.com/tiger/voice-agent-bridge/internal/bridge/session"
	"github.com/tiger/voice-agent-bridge/internal/observability/telemetry"
	"github.com/tiger/voice-agent-bridge/providers/tts/polly"
	"github.com/tiger/voice-agent-bridge/transports/voicelive"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)
	fs.SetOutput(stderr)

	url := fs.String("url", envDefault("VAB_SESSION_URL", ""), "voice session websocket url")
	dataFile := fs.String("data", envDefault("VAB_DATA_FILE", "customers.json"), "customer data JSON file")
	ordersAPI := fs.String("orders-api", envDefault("VAB_ORDERS_API", ""), "orders API base url (overrides -data)")
	sessionID := fs.String("session", "", "session id (generated when empty)")
	pollInterval := fs.Duration("poll-interval", 500*time.Millisecond, "result poll interval")
	maxConcurrent := fs.Int("max-concurrent", 3, "max concurrent background queries")
	agentTimeout := fs.Duration("agent-timeout", 30*time.Second, "per-query backend timeout")
	localTTS := fs.Bool("local-tts", false, "synthesize acknowledgements locally with Polly")
	dryRun := fs.Bool("dry-run", false, "run one scripted turn against the stub transport")
	sayText := fs.String("say", "Where is my order ORD-5001?", "scripted caller turn for -dry-run")

	if err := fs.Parse(args); err != nil {
		return err
	}

	previous := telemetry.DefaultEmitter()
	telemetry.SetDefaultEmitter(telemetry.NewWriterSink(stderr, now))
	defer telemetry.SetDefaultEmitter(previous)

	backend := buildBackend(*ordersAPI, *dataFile)
	reasoner, err := buildReasoner()
	if err != nil {
		return err
	}

	id := strings.TrimSpace(*sessionID)
	if id == "" {
		id = "session-" + uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	playback := audio.NewBuffer()
	transport, err := buildTransport(ctx, *url, *dryRun, *sayText, playback)
	if err != nil {
		return err
	}
	if *localTTS {
		transport = &localVoiceTransport{
			Transport: transport,
			synth:     polly.New(polly.ConfigFromEnv()),
			playback:  playback,
		}
	}

	cfg := session.Config{
		SessionID:            id,
		MaxConcurrentQueries: *maxConcurrent,
		AgentTimeout:         *agentTimeout,
		PollInterval:         *pollInterval,
		Now:                  now,
	}
	if *dryRun {
		cfg.PollInterval = 50 * time.Millisecond
	}

	coordinator, err := session.New(cfg, session.Dependencies{
		Transport: transport,
		Agent:     agentorders.New(backend),
		Orders:    backend,
		Reasoner:  reasoner,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "voicebridge: session %s starting\n", id)
	if err := coordinator.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "voicebridge: session %s closed\n", id)
	return nil
}

func buildBackend(ordersAPI, dataFile string) ordersbackend.Backend {
	if strings.TrimSpace(ordersAPI) != "" {
		return ordersbackend.NewHTTPBackend(ordersAPI, nil)
	}
	return ordersbackend.NewFileBackend(dataFile)
}

func buildReasoner() (*llm.Reasoner, error) {
	key := strings.TrimSpace(os.Getenv("VAB_OPENAI_API_KEY"))
	if key == "" {
		return nil, nil
	}
	return llm.NewFromAPIKey(key, envDefault("VAB_OPENAI_MODEL", "gpt-4o-mini"))
}

func buildTransport(ctx context.Context, url string, dryRun bool, sayText string, playback *audio.Buffer) (voice.Transport, error) {
	if dryRun {
		stub := voicelive.NewStub()
		go func() {
			stub.Emit(voice.Event{Type: voice.EventTranscriptionCompleted, Transcript: sayText})
			time.Sleep(time.Second)
			stub.Emit(voice.Event{Type: voice.EventSessionEnded})
		}()
		return stub, nil
	}
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("-url is required unless -dry-run is set")
	}
	return voicelive.Dial(ctx, url, nil, playback)
}

// localVoiceTransport mirrors acknowledgements into the local playback
// buffer so the caller hears the filler even when the remote session is
// slow to synthesize.
type localVoiceTransport struct {
	voice.Transport
	synth    *polly.Synthesizer
	playback *audio.Buffer
}

func (t *localVoiceTransport) SendAcknowledgement(ctx context.Context, text string) error {
	if err := t.synth.Speak(ctx, text, t.playback); err != nil {
		telemetry.DefaultEmitter().EmitLog("local_tts_failed", "warn", err.Error(), telemetry.Correlation{})
	}
	return t.Transport.SendAcknowledgement(ctx, text)
}

func envDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
