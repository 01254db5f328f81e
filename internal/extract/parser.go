package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"deliverybot/internal/model"
	"deliverybot/pkg/circuitbreaker"
	"deliverybot/pkg/logger"
	"deliverybot/pkg/metrics"
	"deliverybot/pkg/util"
)

var (
	// ErrNotDelivery: the model answered, but not with an accepted delivery.
	ErrNotDelivery = errors.New("not a delivery email")
	// ErrNoJSON: the model response held no parsable JSON object.
	ErrNoJSON = errors.New("no JSON object in model response")
)

const (
	DefaultModel     = openai.GPT4oMini
	DefaultMaxTokens = 500
)

// jsonSpan is greedy: first '{' to last '}'.
var jsonSpan = regexp.MustCompile(`(?s)\{.*\}`)

// ChatCompleter is satisfied by *openai.Client.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Options struct {
	Model     string
	MaxTokens int
	// JSONMode asks for a JSON-only response and parses the whole reply
	// strictly. Without it the first-to-last brace span is used.
	JSONMode bool
}

type Parser struct {
	client ChatCompleter
	opts   Options
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger
}

func NewParser(client ChatCompleter, opts Options, logger *zap.Logger) *Parser {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Parser{
		client: client,
		opts:   opts,
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			FailureThreshold:    3,
			SuccessThreshold:    1,
			Timeout:             time.Minute,
			HalfOpenMaxRequests: 1,
		}),
		logger: logger,
	}
}

// NewOpenAIClient builds the hosted-model client; baseURL may be empty.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Extract asks the model for delivery facts in msg. It returns ErrNotDelivery
// or ErrNoJSON for rejected messages and a wrapped transport error otherwise;
// it never panics on malformed output.
func (p *Parser) Extract(ctx context.Context, msg model.RawMessage) (*model.DeliveryFacts, error) {
	log := logger.WithTrace(ctx, p.logger).With(zap.String("message_id", msg.ID))

	req := openai.ChatCompletionRequest{
		Model:     p.opts.Model,
		MaxTokens: p.opts.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(msg)},
		},
	}
	if p.opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	var text string
	err := p.cb.Execute(func() error {
		start := time.Now()
		resp, err := p.client.CreateChatCompletion(ctx, req)
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordLLMCallLatency(p.opts.Model, status, time.Since(start))
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("upstream returned no choices")
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		log.Error("Language model call failed",
			zap.String("error_kind", util.ClassifyError(err)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("extract %s: %w", msg.ID, err)
	}

	facts, err := ParseResponse(text, p.opts.JSONMode)
	if err != nil {
		log.Debug("Message rejected", zap.String("subject", msg.Subject), zap.Error(err))
		return nil, err
	}

	log.Info("Delivery extracted",
		zap.String("order_number", facts.Order()),
		zap.String("service", model.Deref(facts.Service)),
	)
	return facts, nil
}

// ParseResponse turns a model reply into facts. In strict mode the trimmed
// reply must be exactly one JSON object.
func ParseResponse(text string, strict bool) (*model.DeliveryFacts, error) {
	candidate := strings.TrimSpace(text)
	if !strict {
		candidate = jsonSpan.FindString(candidate)
	}
	if candidate == "" {
		return nil, ErrNoJSON
	}

	var facts model.DeliveryFacts
	if err := json.Unmarshal([]byte(candidate), &facts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	if !facts.IsDeliveryEmail {
		return nil, ErrNotDelivery
	}
	return &facts, nil
}

// IsRejection reports whether err means "not a delivery", as opposed to a
// failure talking to the model.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNotDelivery) || errors.Is(err, ErrNoJSON)
}
