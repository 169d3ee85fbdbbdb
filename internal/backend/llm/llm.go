// Package llm adapts the OpenAI Chat Completions API as the reasoning
// backend for queries the deterministic order agent cannot answer
// (CRM lookups, ticket creation, calendar availability).
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient captures the subset of the go-openai client used by the
// adapter. Tests substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the reasoning backend.
type Options struct {
	Client      ChatClient
	Model       string
	MaxTokens   int
	Temperature float32
}

const defaultSystemPrompt = "You are a customer-service data assistant. " +
	"Answer the caller's question using only the supplied records. " +
	"Answer in one or two short spoken sentences. " +
	"If the records do not contain the answer, say so plainly."

// Reasoner answers data questions by prompting a chat model with the
// question and the structured records fetched for it.
type Reasoner struct {
	chat        ChatClient
	model       string
	maxTokens   int
	temperature float32
}

// New builds a reasoner from the provided options.
func New(opts Options) (*Reasoner, error) {
	if opts.Client == nil {
		return nil, errors.New("chat client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 256
	}
	return &Reasoner{
		chat:        opts.Client,
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a reasoner using the default go-openai HTTP
// client.
func NewFromAPIKey(apiKey, model string) (*Reasoner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), Model: model})
}

// Question is one reasoning request.
type Question struct {
	// Text is the caller's question or the tool call intent.
	Text string
	// Records is optional structured context, marshaled into the prompt.
	Records any
}

// Answer prompts the model and returns a short spoken answer.
func (r *Reasoner) Answer(ctx context.Context, q Question) (string, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return "", errors.New("question text is required")
	}

	user := text
	if q.Records != nil {
		records, err := json.Marshal(q.Records)
		if err != nil {
			return "", fmt.Errorf("marshal records: %w", err)
		}
		user = fmt.Sprintf("%s\n\nRecords:\n%s", text, records)
	}

	resp, err := r.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.model,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: defaultSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.New("chat completion returned empty content")
	}
	return answer, nil
}
