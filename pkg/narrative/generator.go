// Package narrative wraps the Anthropic API behind a small text-generation
// interface so the insight cache can be exercised with a deterministic fake.
package narrative

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fieldsight/pattern-cli/internal/cost"
)

// Generator produces free-form prose from a structured prompt. It may fail
// or return malformed output; callers own the fallback behavior.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int64) (string, error)
	Model() string
}

// Client implements Generator using the official anthropic-sdk-go, with a
// client-side rate limit on message creation.
type Client struct {
	client  sdk.Client
	model   string
	limiter *rate.Limiter
	costs   *cost.Calculator
}

// NewClient creates an Anthropic-backed Generator. requestsPerMin bounds
// outbound call rate; zero or negative disables limiting.
func NewClient(apiKey, model string, requestsPerMin float64) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerMin/60.0), 1)
	}
	return &Client{
		client:  sdk.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		limiter: limiter,
		costs:   cost.NewCalculator(cost.DefaultRates()),
	}
}

// Model returns the configured model ID.
func (c *Client) Model() string {
	return c.model
}

// Generate sends a single-turn message and returns the concatenated text
// content of the response.
func (c *Client) Generate(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "narrative: rate limit wait")
	}

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "narrative: create message")
	}

	zap.L().Info("narrative generation",
		zap.String("model", c.model),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
		zap.Float64("est_cost_usd", c.costs.Generation(c.model, msg.Usage.InputTokens, msg.Usage.OutputTokens)),
	)

	var parts []string
	for _, block := range msg.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		return "", eris.New("narrative: empty response")
	}
	return text, nil
}
