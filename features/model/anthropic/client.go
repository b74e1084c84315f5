// Package anthropic implements model.Agent on top of the Anthropic Claude
// Messages API, translating the cascade engine's flat Request/Response
// shape into sdk.MessageNewParams/sdk.Message calls. Grounded on
// features/model/anthropic/client.go in the teacher, trimmed to this
// module's simpler per-turn Request/Response contract (no streaming, no
// extended-thinking budget, no model-class routing — cascade phases name
// a concrete model directly).
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/cascade/runtime/model"
)

// MessagesClient captures the subset of the Anthropic SDK used by Client,
// satisfied by *sdk.MessageService so callers can substitute a fake in
// tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter's defaults.
type Options struct {
	// DefaultModel is used when a Request does not name one. Required.
	DefaultModel string
	// MaxTokens bounds completion length when the phase config doesn't
	// override it via a more specific mechanism. Required, must be positive.
	MaxTokens int
	// Temperature is applied to every request; zero uses the API default.
	Temperature float64
}

// Client implements model.Agent against Anthropic's Messages API.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// New builds an Anthropic-backed Agent from an already-constructed Messages
// client (real or fake).
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		return nil, errors.New("max tokens must be positive")
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport,
// authenticated with apiKey.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Run implements model.Agent.
func (c *Client) Run(ctx context.Context, req model.Request) (model.Response, error) {
	params, nameMap, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg, params, nameMap)
}

func (c *Client) prepareRequest(req model.Request) (sdk.MessageNewParams, map[string]string, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	msgs, err := encodeMessages(req.ContextMessages, req.UserPrompt)
	if err != nil {
		return sdk.MessageNewParams{}, nil, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(c.maxTokens),
		Messages:  msgs,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	var nameMap map[string]string
	if len(req.Tools) > 0 {
		tools, sanToCanon, err := encodeTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, nil, err
		}
		params.Tools = tools
		nameMap = sanToCanon
	}
	return params, nameMap, nil
}

func encodeMessages(msgs []model.Message, userPrompt string) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs)+1)
	for _, m := range msgs {
		blocks, err := encodeMessageBlocks(m)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser, model.RoleTool:
			out = append(out, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case model.RoleSystem:
			// handled separately as params.System
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if userPrompt != "" {
		out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(userPrompt)))
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user message is required")
	}
	return out, nil
}

func encodeMessageBlocks(m model.Message) ([]sdk.ContentBlockParamUnion, error) {
	var blocks []sdk.ContentBlockParamUnion
	if m.Content != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}
	if m.ToolCall != nil {
		var input any
		if len(m.ToolCall.Arguments) > 0 {
			if err := json.Unmarshal(m.ToolCall.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: decode tool call arguments: %w", err)
			}
		}
		blocks = append(blocks, sdk.NewToolUseBlock(m.ToolCall.ID, input, m.ToolCall.Name))
	}
	if m.ToolReply != nil {
		blocks = append(blocks, sdk.NewToolResultBlock(m.ToolReply.ToolCallID, m.ToolReply.Content, m.ToolReply.IsError))
	}
	// Inline images (model.Message.Images) are not forwarded: Anthropic's
	// image content block requires base64 source data, and ImagePart.URL
	// may be an external reference rather than already-decoded bytes.
	return blocks, nil
}

// encodeTools renders tool definitions for the request and returns a
// sanitized-name -> canonical-name map so translateResponse can recover the
// original tool name from a tool_use block.
func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := sanToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		sanToCanon[sanitized] = def.Name
		schema, err := decodeSchema(def.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, sanToCanon, nil
}

// sanitizeToolName maps a tool name to characters allowed by Anthropic's
// tool naming constraints ([a-zA-Z0-9_-]{1,64}), replacing any disallowed
// rune with '_'.
func sanitizeToolName(in string) string {
	if isProviderSafeToolName(in) {
		return in
	}
	out := make([]rune, 0, len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return string(out)
}

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func decodeSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message, params sdk.MessageNewParams, nameMap map[string]string) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	resp := model.Response{
		RequestID:    msg.ID,
		Model:        string(msg.Model),
		Provider:     "anthropic",
		FullRequest:  params,
		FullResponse: msg,
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			name := block.Name
			// A hallucinated tool name absent from nameMap is surfaced as-is
			// and left for the caller's tool dispatch to reject.
			if canonical, ok := nameMap[name]; ok {
				name = canonical
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:        block.ID,
				Name:      name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	resp.TokensIn = int(msg.Usage.InputTokens)
	resp.TokensOut = int(msg.Usage.OutputTokens)
	return resp, nil
}
