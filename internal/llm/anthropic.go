package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// AnthropicGateway is the live Gateway backed by the Anthropic messages API.
type AnthropicGateway struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	log         *zap.Logger
}

// NewAnthropicGateway builds the live gateway.
func NewAnthropicGateway(apiKey, model string, maxTokens int, temperature float64, timeout time.Duration, log *zap.Logger) *AnthropicGateway {
	return &AnthropicGateway{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
		log:         log,
	}
}

// Text performs a single completion call and returns the concatenated text
// blocks.
func (g *AnthropicGateway) Text(ctx context.Context, system, prompt string, opts Options) (string, error) {
	return g.complete(ctx, system, prompt, opts)
}

// Structured asks for a single JSON object and unmarshals it into req.Out.
// If the first response does not parse, one retry with a stricter prompt is
// issued; a second failure is classified as invalid_response. The fallback is
// never applied here; that decision belongs to the caller.
func (g *AnthropicGateway) Structured(ctx context.Context, req StructuredRequest) error {
	system := req.System + "\nRespond with a single JSON object and nothing else. No prose, no code fences."

	text, err := g.complete(ctx, system, req.Prompt, req.Opts)
	if err != nil {
		return err
	}
	if unmarshalErr := json.Unmarshal([]byte(stripFences(text)), req.Out); unmarshalErr == nil {
		return nil
	}

	g.log.Warn("model returned unparseable JSON, retrying with stricter prompt")
	stricter := req.Prompt + "\n\nYour previous answer was not valid JSON. Reply with ONLY the JSON object, starting with { and ending with }."
	text, err = g.complete(ctx, system, stricter, req.Opts)
	if err != nil {
		return err
	}
	if unmarshalErr := json.Unmarshal([]byte(stripFences(text)), req.Out); unmarshalErr != nil {
		return &Error{Kind: ErrInvalidResponse, Message: fmt.Sprintf("response is not valid JSON: %v", unmarshalErr)}
	}
	return nil
}

func (g *AnthropicGateway) complete(ctx context.Context, system, prompt string, opts Options) (string, error) {
	model := g.model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := g.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	temperature := g.temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(temperature),
	})
	if err != nil {
		return "", g.classify(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(variant.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", &Error{Kind: ErrInvalidResponse, Message: "response contained no text blocks"}
	}
	return text, nil
}

func (g *AnthropicGateway) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Message: "model call exceeded deadline"}
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return &Error{Kind: ErrRateLimited, Message: apierr.Error()}
		case apierr.StatusCode >= 500:
			return &Error{Kind: ErrUnavailable, Message: apierr.Error()}
		}
		return &Error{Kind: ErrInvalidResponse, Message: apierr.Error()}
	}
	return &Error{Kind: ErrUnavailable, Message: err.Error()}
}

// stripFences removes a markdown code fence if the model wrapped its JSON in
// one despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
