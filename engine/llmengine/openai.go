package llmengine

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIChatClient captures the subset of the OpenAI SDK client llmengine
// needs, so tests can substitute a fake.
type OpenAIChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAICompleter adapts OpenAI's Chat Completions API to Completer.
type OpenAICompleter struct {
	chat  OpenAIChatClient
	model string
}

// NewOpenAICompleter builds a Completer from an OpenAI chat client and model
// identifier.
func NewOpenAICompleter(chat OpenAIChatClient, model string) (*OpenAICompleter, error) {
	if chat == nil {
		return nil, errors.New("llmengine: openai client is required")
	}
	if model == "" {
		return nil, errors.New("llmengine: openai model identifier is required")
	}
	return &OpenAICompleter{chat: chat, model: model}, nil
}

// NewOpenAICompleterFromAPIKey constructs a Completer using the default
// OpenAI HTTP client.
func NewOpenAICompleterFromAPIKey(apiKey, model string) (*OpenAICompleter, error) {
	if apiKey == "" {
		return nil, errors.New("llmengine: openai api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAICompleter(&client.Chat.Completions, model)
}

func (c *OpenAICompleter) Provider() string { return "openai" }
func (c *OpenAICompleter) Model() string    { return c.model }

func (c *OpenAICompleter) Complete(ctx context.Context, systemPrompt, history string, toolAllowList []string) (string, int, int, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(history))

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", 0, 0, err
	}
	if len(resp.Choices) == 0 {
		return "", int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens), nil
	}
	return resp.Choices[0].Message.Content, int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens), nil
}
