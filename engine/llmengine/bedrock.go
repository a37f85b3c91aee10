package llmengine

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockRuntimeClient mirrors the subset of the AWS Bedrock runtime client
// llmengine needs, matching *bedrockruntime.Client so callers can pass
// either the real client or a fake in tests.
type BedrockRuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockCompleter adapts the AWS Bedrock Converse API to Completer.
type BedrockCompleter struct {
	runtime BedrockRuntimeClient
	modelID string
}

// NewBedrockCompleter builds a Completer from a Bedrock runtime client and
// model identifier (e.g. an inference-profile ARN or foundation model id).
func NewBedrockCompleter(runtime BedrockRuntimeClient, modelID string) (*BedrockCompleter, error) {
	if runtime == nil {
		return nil, errors.New("llmengine: bedrock runtime client is required")
	}
	if modelID == "" {
		return nil, errors.New("llmengine: bedrock model identifier is required")
	}
	return &BedrockCompleter{runtime: runtime, modelID: modelID}, nil
}

func (c *BedrockCompleter) Provider() string { return "bedrock" }
func (c *BedrockCompleter) Model() string    { return c.modelID }

func (c *BedrockCompleter) Complete(ctx context.Context, systemPrompt, history string, toolAllowList []string) (string, int, int, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: &c.modelID,
		Messages: []brtypes.Message{
			{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: history},
				},
			},
		},
	}
	if systemPrompt != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: systemPrompt},
		}
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return "", 0, 0, err
	}

	var text string
	if member, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range member.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text += tb.Value
			}
		}
	}

	var inTok, outTok int
	if out.Usage != nil {
		if out.Usage.InputTokens != nil {
			inTok = int(*out.Usage.InputTokens)
		}
		if out.Usage.OutputTokens != nil {
			outTok = int(*out.Usage.OutputTokens)
		}
	}
	return text, inTok, outTok, nil
}
