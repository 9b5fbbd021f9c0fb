// Package gemini completes llm nodes with Google's Gemini models.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/dialtone/internal/logging"
	"github.com/aretw0/dialtone/pkg/domain"
	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

const systemPrompt = `You route phone callers for an interactive voice response system.
Answer with one JSON object and nothing else:
{"intent": "<snake_case intent>", "reply": "<one or two short spoken sentences>", "slots": {<extracted values>}, "escalate": <true when the caller needs a human>}`

// Generator is the slice of the genai client the model uses.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Model implements ports.LanguageModel on top of Gemini.
type Model struct {
	gen         Generator
	model       string
	temperature float32
	logger      *slog.Logger
}

// Option configures the Model.
type Option func(*Model)

// WithModel selects the Gemini model.
func WithModel(name string) Option {
	return func(m *Model) {
		if name != "" {
			m.model = name
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(m *Model) {
		m.temperature = t
	}
}

// WithLogger configures a logger for the Model.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Model) {
		m.logger = logger
	}
}

// New connects to the Gemini API with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Model, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return NewWithGenerator(client.Models, opts...), nil
}

// NewWithGenerator builds a Model around an existing generator.
func NewWithGenerator(gen Generator, opts ...Option) *Model {
	m := &Model{
		gen:         gen,
		model:       DefaultModel,
		temperature: 0.2,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements ports.LanguageModel.
func (m *Model) Name() string { return "gemini" }

type reply struct {
	Intent   string         `json:"intent"`
	Reply    string         `json:"reply"`
	Slots    map[string]any `json:"slots"`
	Escalate bool           `json:"escalate"`
}

// Complete asks Gemini for an intent and a spoken reply.
func (m *Model) Complete(ctx context.Context, req domain.LLMRequest) (domain.LLMResult, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr(m.temperature),
	}
	resp, err := m.gen.GenerateContent(ctx, m.model, genai.Text(userPrompt(req)), cfg)
	if err != nil {
		return domain.LLMResult{}, classify(err)
	}

	raw := strings.TrimSpace(resp.Text())
	if raw == "" {
		return domain.LLMResult{}, fmt.Errorf("gemini: empty response: %w", domain.ErrProviderError)
	}
	out, err := parseReply(raw)
	if err != nil {
		m.logger.Warn("gemini reply is not JSON, using it verbatim", "node_id", req.NodeID, "err", err)
		return domain.LLMResult{Intent: "unknown", Text: raw}, nil
	}
	return domain.LLMResult{
		Text:     out.Reply,
		Intent:   out.Intent,
		Slots:    out.Slots,
		Escalate: out.Escalate,
	}, nil
}

func userPrompt(req domain.LLMRequest) string {
	var b strings.Builder
	if req.Prompt != "" {
		fmt.Fprintf(&b, "Instructions for this step: %s\n", req.Prompt)
	}
	if len(req.Context) > 0 {
		if data, err := json.Marshal(req.Context); err == nil {
			fmt.Fprintf(&b, "Known call context: %s\n", data)
		}
	}
	fmt.Fprintf(&b, "Caller said: %q", req.Input)
	return b.String()
}

// parseReply tolerates a fenced code block around the object.
func parseReply(raw string) (reply, error) {
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")

	var out reply
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return reply{}, err
	}
	if out.Intent == "" {
		out.Intent = "unknown"
	}
	return out, nil
}

// classify maps API failures onto the provider error kinds.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gemini: %v: %w", err, domain.ErrProviderTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout, 0:
		return fmt.Errorf("gemini: %v: %w", err, domain.ErrProviderUnavailable)
	default:
		return fmt.Errorf("gemini: %v: %w", err, domain.ErrProviderError)
	}
}
