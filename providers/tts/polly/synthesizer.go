// Package polly synthesizes spoken text with Amazon Polly for the local
// playback path. Synthesized audio lands in the session's audio buffer,
// where the interruption controller can discard it.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/tiger/voice-agent-bridge/internal/audio"
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// ErrorCode classifies a synthesis failure.
type ErrorCode string

const (
	ErrCancelled ErrorCode = "cancelled"
	ErrTimeout   ErrorCode = "timeout"
	ErrOverload  ErrorCode = "overload"
	ErrClient    ErrorCode = "client_error"
	ErrServer    ErrorCode = "server_error"
	ErrTransport ErrorCode = "transport_error"
)

// SynthesisError is a normalized Polly failure.
type SynthesisError struct {
	Code      ErrorCode
	Retryable bool
	Err       error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("polly synthesis %s: %v", e.Code, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Config controls the synthesizer.
type Config struct {
	Region  string
	VoiceID string
	Engine  string
	Timeout time.Duration
}

// ConfigFromEnv reads VAB_TTS_POLLY_* with AWS_REGION as the region
// fallback.
func ConfigFromEnv() Config {
	return Config{
		Region:  defaultString(os.Getenv("VAB_TTS_POLLY_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		VoiceID: defaultString(os.Getenv("VAB_TTS_POLLY_VOICE"), "Joanna"),
		Engine:  defaultString(os.Getenv("VAB_TTS_POLLY_ENGINE"), "neural"),
		Timeout: 15 * time.Second,
	}
}

// Synthesizer turns text into MP3 audio.
type Synthesizer struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

// New creates a synthesizer that builds its AWS client lazily from the
// default credential chain.
func New(cfg Config) *Synthesizer {
	return NewWithClient(cfg, nil)
}

// NewWithClient injects a client, used by tests.
func NewWithClient(cfg Config, client synthClient) *Synthesizer {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Joanna"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Synthesizer{client: client, cfg: cfg}
}

// Synthesize renders text to audio bytes.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &SynthesisError{Code: ErrClient, Err: errors.New("empty text")}
	}
	client, err := s.resolveClient()
	if err != nil {
		return nil, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(s.cfg.VoiceID),
	})
	if err != nil {
		return nil, normalizeError(err)
	}
	if output == nil || output.AudioStream == nil {
		return nil, &SynthesisError{Code: ErrServer, Retryable: true, Err: errors.New("empty audio stream")}
	}
	defer output.AudioStream.Close()

	data, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return nil, &SynthesisError{Code: ErrTransport, Retryable: true, Err: err}
	}
	return data, nil
}

// Speak synthesizes text and queues the audio for playback.
func (s *Synthesizer) Speak(ctx context.Context, text string, buffer *audio.Buffer) error {
	data, err := s.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	buffer.Enqueue(data)
	return nil
}

func normalizeError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &SynthesisError{Code: ErrCancelled, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SynthesisError{Code: ErrTimeout, Retryable: true, Err: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException":
			return &SynthesisError{Code: ErrOverload, Retryable: true, Err: err}
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException":
			return &SynthesisError{Code: ErrClient, Err: err}
		default:
			return &SynthesisError{Code: ErrServer, Retryable: true, Err: err}
		}
	}
	return &SynthesisError{Code: ErrTransport, Retryable: true, Err: err}
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (s *Synthesizer) resolveClient() (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}
