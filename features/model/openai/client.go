// Package openai implements model.Agent on top of the OpenAI Chat
// Completions API via the official github.com/openai/openai-go SDK.
// Grounded on the message/tool adaptation patterns in
// internal/llm/openai/{client,schema}.go (intelligencedev-manifold),
// simplified to this module's flat per-turn Request/Response contract.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/cascade/runtime/model"
)

// ChatClient captures the subset of the SDK used by Client, satisfied by
// the real sdk.ChatCompletionService or a fake in tests.
type ChatClient interface {
	New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Options configures the adapter's defaults.
type Options struct {
	// DefaultModel is used when a Request does not name one. Required.
	DefaultModel string
}

// Client implements model.Agent against OpenAI's Chat Completions API.
type Client struct {
	chat         ChatClient
	defaultModel string
}

// New builds an OpenAI-backed Agent from an already-constructed chat client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{chat: chat, defaultModel: modelID}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Run implements model.Agent.
func (c *Client) Run(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	comp, err := c.chat.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(comp, params)
}

func (c *Client) prepareRequest(req model.Request) (sdk.ChatCompletionNewParams, error) {
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages, err := encodeMessages(req.SystemPrompt, req.ContextMessages, req.UserPrompt)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return sdk.ChatCompletionNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func encodeMessages(systemPrompt string, msgs []model.Message, userPrompt string) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+2)
	if systemPrompt != "" {
		out = append(out, sdk.SystemMessage(systemPrompt))
	}
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case model.RoleTool:
			if m.ToolReply == nil {
				return nil, errors.New("openai: tool-role message missing ToolReply")
			}
			out = append(out, sdk.ToolMessage(m.ToolReply.Content, m.ToolReply.ToolCallID))
		case model.RoleAssistant:
			msg, err := encodeAssistantMessage(m)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if userPrompt != "" {
		out = append(out, sdk.UserMessage(userPrompt))
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeAssistantMessage(m model.Message) (sdk.ChatCompletionMessageParamUnion, error) {
	if m.ToolCall == nil {
		return sdk.AssistantMessage(m.Content), nil
	}
	var asst sdk.ChatCompletionAssistantMessageParam
	asst.Content.OfString = sdk.String(m.Content)
	fn := sdk.ChatCompletionMessageFunctionToolCallParam{
		ID: m.ToolCall.ID,
		Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
			Name:      m.ToolCall.Name,
			Arguments: string(m.ToolCall.Arguments),
		},
	}
	asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ChatCompletionToolUnionParam, error) {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		params, err := decodeSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        def.Name,
			Description: sdk.String(def.Description),
			Parameters:  params,
		}))
	}
	return out, nil
}

func decodeSchema(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func translateResponse(comp *sdk.ChatCompletion, params sdk.ChatCompletionNewParams) (model.Response, error) {
	if comp == nil {
		return model.Response{}, errors.New("openai: response is nil")
	}
	resp := model.Response{
		RequestID:    comp.ID,
		Model:        comp.Model,
		Provider:     "openai",
		FullRequest:  params,
		FullResponse: comp,
	}
	if len(comp.Choices) > 0 {
		msg := comp.Choices[0].Message
		resp.Content = msg.Content
		for _, tc := range msg.ToolCalls {
			switch v := tc.AsAny().(type) {
			case sdk.ChatCompletionMessageFunctionToolCall:
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:        v.ID,
					Name:      v.Function.Name,
					Arguments: json.RawMessage(v.Function.Arguments),
				})
			}
		}
	}
	resp.TokensIn = int(comp.Usage.PromptTokens)
	resp.TokensOut = int(comp.Usage.CompletionTokens)
	return resp, nil
}
