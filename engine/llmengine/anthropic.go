package llmengine

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicMessagesClient captures the subset of the Anthropic SDK client
// llmengine needs, so tests can substitute a fake.
type AnthropicMessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicCompleter adapts the Anthropic Messages API to the Completer
// interface.
type AnthropicCompleter struct {
	msg       AnthropicMessagesClient
	model     string
	maxTokens int
}

// NewAnthropicCompleter builds a Completer from an Anthropic messages
// client and the model identifier to use.
func NewAnthropicCompleter(msg AnthropicMessagesClient, model string, maxTokens int) (*AnthropicCompleter, error) {
	if msg == nil {
		return nil, errors.New("llmengine: anthropic client is required")
	}
	if model == "" {
		return nil, errors.New("llmengine: anthropic model identifier is required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicCompleter{msg: msg, model: model, maxTokens: maxTokens}, nil
}

// NewAnthropicCompleterFromAPIKey constructs a Completer using the default
// Anthropic HTTP client, authenticated with the given apiKey (which must be
// non-empty).
func NewAnthropicCompleterFromAPIKey(apiKey, model string, maxTokens int) (*AnthropicCompleter, error) {
	if apiKey == "" {
		return nil, errors.New("llmengine: anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicCompleter(&client.Messages, model, maxTokens)
}

func (c *AnthropicCompleter) Provider() string { return "anthropic" }
func (c *AnthropicCompleter) Model() string    { return c.model }

func (c *AnthropicCompleter) Complete(ctx context.Context, systemPrompt, history string, toolAllowList []string) (string, int, int, error) {
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTokens),
		Model:     sdk.Model(c.model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(history)),
		},
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := c.msg.New(ctx, params)
	if err != nil {
		return "", 0, 0, err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if text := block.Text; text != "" {
			sb.WriteString(text)
		}
	}
	return sb.String(), int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens), nil
}
