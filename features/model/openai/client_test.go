package openai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/cascade/runtime/model"
)

type stubChatClient struct {
	lastParams sdk.ChatCompletionNewParams
	resp       *sdk.ChatCompletion
	err        error
}

func (s *stubChatClient) New(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	s.lastParams = params
	return s.resp, s.err
}

func TestRunTextOnly(t *testing.T) {
	stub := &stubChatClient{
		resp: &sdk.ChatCompletion{
			ID:    "chatcmpl_1",
			Model: "gpt-4o",
			Choices: []sdk.ChatCompletionChoice{
				{Message: sdk.ChatCompletionMessage{Content: "world"}},
			},
			Usage: sdk.CompletionUsage{PromptTokens: 10, CompletionTokens: 5},
		},
	}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := cl.Run(context.Background(), model.Request{UserPrompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "world", resp.Content)
	require.Equal(t, "chatcmpl_1", resp.RequestID)
	require.Equal(t, "openai", resp.Provider)
	require.Equal(t, 10, resp.TokensIn)
	require.Equal(t, 5, resp.TokensOut)
	require.Len(t, stub.lastParams.Messages, 1)
}

func TestRunWithSystemPromptAndHistory(t *testing.T) {
	stub := &stubChatClient{resp: &sdk.ChatCompletion{}}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Run(context.Background(), model.Request{
		SystemPrompt: "be terse",
		ContextMessages: []model.Message{
			{Role: model.RoleUser, Content: "prior turn"},
			{Role: model.RoleAssistant, Content: "prior reply"},
		},
		UserPrompt: "hello",
	})
	require.NoError(t, err)
	require.Len(t, stub.lastParams.Messages, 4)
}

func TestRunToolUse(t *testing.T) {
	var comp sdk.ChatCompletion
	raw := `{"choices":[{"message":{"role":"assistant","tool_calls":[` +
		`{"id":"call_1","type":"function","function":{"name":"tool","arguments":"{\"x\":1}"}}` +
		`]}}]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &comp))

	stub := &stubChatClient{resp: &comp}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := cl.Run(context.Background(), model.Request{
		UserPrompt: "call tool",
		Tools: []model.ToolDefinition{
			{Name: "tool", Description: "a tool", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "tool", resp.ToolCalls[0].Name)
	require.Equal(t, "call_1", resp.ToolCalls[0].ID)
	require.JSONEq(t, `{"x":1}`, string(resp.ToolCalls[0].Arguments))
	require.Len(t, stub.lastParams.Tools, 1)
}

func TestRunPropagatesProviderError(t *testing.T) {
	stub := &stubChatClient{err: errors.New("boom")}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Run(context.Background(), model.Request{UserPrompt: "hi"})
	require.Error(t, err)
}

func TestRunRequiresAtLeastOneMessage(t *testing.T) {
	cl, err := New(&stubChatClient{}, Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Run(context.Background(), model.Request{})
	require.Error(t, err)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)

	_, err = New(&stubChatClient{}, Options{})
	require.Error(t, err)
}
