//go:build bedrock

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discovery-agent/internal/domain"
)

type fakeConverse struct {
	input  *bedrockruntime.ConverseInput
	output *bedrockruntime.ConverseOutput
	err    error
}

func (f *fakeConverse) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = params
	return f.output, f.err
}

func textOutput(blocks ...types.ContentBlock) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{
			Value: types.Message{Role: types.ConversationRoleAssistant, Content: blocks},
		},
		Usage: &types.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(5)},
	}
}

func TestBedrockChat(t *testing.T) {
	fake := &fakeConverse{output: textOutput(&types.ContentBlockMemberText{Value: "Hello from Bedrock!"})}
	p := newBedrockProviderWithClient("bedrock-test", "anthropic.claude-3-5-sonnet", fake, nil)

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You are helpful."},
			{Role: domain.RoleUser, Content: "Hello"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello from Bedrock!", resp.Message.Content)
	assert.Equal(t, domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, resp.Usage)
	assert.Equal(t, "bedrock-test", p.Name())

	require.NotNil(t, fake.input)
	assert.Equal(t, "anthropic.claude-3-5-sonnet", aws.ToString(fake.input.ModelId))
	assert.Len(t, fake.input.System, 1)
	assert.Len(t, fake.input.Messages, 1, "system message is lifted out")
	assert.Equal(t, int32(defaultBedrockMaxTokens), aws.ToInt32(fake.input.InferenceConfig.MaxTokens))
}

func TestBedrockChatToolUse(t *testing.T) {
	fake := &fakeConverse{output: textOutput(
		&types.ContentBlockMemberText{Value: "Searching."},
		&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
			ToolUseId: aws.String("toolu_123"),
			Name:      aws.String("search"),
			Input:     document.NewLazyDocument(map[string]any{"query": "perovskite"}),
		}},
	)}
	p := newBedrockProviderWithClient("test", "model", fake, nil)

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "find papers"}},
		Tools: []domain.FunctionDeclaration{{
			Name:        "search",
			Description: "Search papers",
			Parameters:  domain.FunctionParameters{Type: "object"},
		}},
	})
	require.NoError(t, err)

	require.NotNil(t, fake.input.ToolConfig)
	assert.Len(t, fake.input.ToolConfig.Tools, 1)

	assert.Equal(t, "Searching.", resp.Message.Content)
	require.Len(t, resp.Message.Calls, 1)
	assert.Equal(t, "search", resp.Message.Calls[0].Name)
	assert.JSONEq(t, `{"query":"perovskite"}`, string(resp.Message.Calls[0].Args))
}

func TestBedrockRequestConversion(t *testing.T) {
	in := toBedrockConverseInput(domain.ChatRequest{
		Model:       "m",
		MaxTokens:   256,
		Temperature: 0.2,
		JSONMode:    true,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "q"},
			{Role: domain.RoleAssistant, Calls: []domain.FunctionCall{{Name: "search", Args: json.RawMessage(`{"query":"x"}`)}}},
			{Role: domain.RoleTool, Content: `{"papers":[]}`},
			{Role: "unknown", Content: "dropped"},
		},
	})

	assert.Equal(t, int32(256), aws.ToInt32(in.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.2, aws.ToFloat32(in.InferenceConfig.Temperature), 1e-6)
	assert.Len(t, in.System, 2, "system prompt plus JSON instruction")
	require.Len(t, in.Messages, 3)
	assert.Equal(t, types.ConversationRoleAssistant, in.Messages[1].Role)
	assert.Equal(t, types.ConversationRoleUser, in.Messages[2].Role)

	use, ok := in.Messages[1].Content[0].(*types.ContentBlockMemberToolUse)
	require.True(t, ok)
	assert.Equal(t, "search", aws.ToString(use.Value.Name))
}

func TestBedrockErrorMapping(t *testing.T) {
	tests := []struct {
		code    string
		message string
		want    error
	}{
		{"ThrottlingException", "slow down", domain.ErrRateLimit},
		{"TooManyRequestsException", "slow down", domain.ErrRateLimit},
		{"AccessDeniedException", "no", domain.ErrAuthInvalid},
		{"ValidationException", "input is too long", domain.ErrContextOverflow},
		{"ModelTimeoutException", "took too long", domain.ErrTimeout},
		{"ServiceUnavailableException", "down", domain.ErrRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			fake := &fakeConverse{err: &smithy.GenericAPIError{Code: tt.code, Message: tt.message}}
			_, err := newBedrockProviderWithClient("b", "m", fake, nil).Chat(context.Background(), domain.ChatRequest{})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	plain := errors.New("boom")
	assert.ErrorIs(t, mapBedrockError(plain), plain)
	assert.NoError(t, mapBedrockError(nil))
}
