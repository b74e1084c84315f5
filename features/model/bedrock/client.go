// Package bedrock implements model.Agent on top of the AWS Bedrock Converse
// API. Grounded on features/model/bedrock/client.go in the teacher, trimmed
// to this module's flat per-turn Request/Response contract: no streaming,
// no ledger-based transcript rehydration, no extended-thinking or
// prompt-cache checkpoint configuration, no model-class routing.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/cascade/runtime/model"
)

// RuntimeClient captures the subset of the AWS Bedrock runtime client used
// by the adapter, satisfied by *bedrockruntime.Client or a fake in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter's defaults.
type Options struct {
	// DefaultModel is used when a Request does not name one. Required.
	DefaultModel string
	// MaxTokens bounds completion length; zero omits the cap and lets
	// Bedrock apply its own default.
	MaxTokens int
	// Temperature is applied when positive; zero omits it.
	Temperature float32
}

// Client implements model.Agent against AWS Bedrock's Converse API.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int
	temperature  float32
}

// New builds a Bedrock-backed Agent from an already-constructed runtime
// client (real or fake).
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{runtime: runtime, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// Run implements model.Agent.
func (c *Client) Run(ctx context.Context, req model.Request) (model.Response, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	input := c.buildConverseInput(parts)
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output, parts.modelID, parts.sanToCanon)
}

type requestParts struct {
	modelID    string
	messages   []brtypes.Message
	system     []brtypes.SystemContentBlock
	toolConfig *brtypes.ToolConfiguration
	sanToCanon map[string]string
}

func (c *Client) prepareRequest(req model.Request) (*requestParts, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	toolConfig, canonToSan, sanToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}

	messages, system, err := encodeMessages(req.ContextMessages, req.UserPrompt, canonToSan)
	if err != nil {
		return nil, err
	}
	if req.SystemPrompt != "" {
		system = append([]brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt}}, system...)
	}

	return &requestParts{
		modelID:    modelID,
		messages:   messages,
		system:     system,
		toolConfig: toolConfig,
		sanToCanon: sanToCanon,
	}, nil
}

func (c *Client) buildConverseInput(parts *requestParts) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (c *Client) inferenceConfig() *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if c.maxTokens > 0 {
		//nolint:gosec // bounded by cascade config validation before this point.
		cfg.MaxTokens = aws.Int32(int32(c.maxTokens))
	}
	if c.temperature > 0 {
		cfg.Temperature = aws.Float32(c.temperature)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []model.Message, userPrompt string, nameMap map[string]string) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs)+1)
	system := make([]brtypes.SystemContentBlock, 0)
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
			continue
		}
		blocks, err := encodeContentBlocks(m, nameMap)
		if err != nil {
			return nil, nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleAssistant
		if m.Role == model.RoleUser || m.Role == model.RoleTool {
			role = brtypes.ConversationRoleUser
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if userPrompt != "" {
		conversation = append(conversation, brtypes.Message{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: userPrompt}},
		})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user message is required")
	}
	return conversation, system, nil
}

func encodeContentBlocks(m model.Message, nameMap map[string]string) ([]brtypes.ContentBlock, error) {
	var blocks []brtypes.ContentBlock
	if m.Content != "" {
		blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
	}
	if m.ToolCall != nil {
		sanitized, ok := nameMap[m.ToolCall.Name]
		if !ok || sanitized == "" {
			return nil, fmt.Errorf("bedrock: tool_use references %q which is not in the current tool configuration", m.ToolCall.Name)
		}
		tb := brtypes.ToolUseBlock{
			Name:      aws.String(sanitized),
			ToolUseId: aws.String(m.ToolCall.ID),
			Input:     toDocument(m.ToolCall.Arguments),
		}
		blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
	}
	if m.ToolReply != nil {
		tr := brtypes.ToolResultBlock{
			ToolUseId: aws.String(m.ToolReply.ToolCallID),
			Content: []brtypes.ToolResultContentBlock{
				&brtypes.ToolResultContentBlockMemberText{Value: m.ToolReply.Content},
			},
		}
		if m.ToolReply.IsError {
			tr.Status = brtypes.ToolResultStatusError
		}
		blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
	}
	return blocks, nil
}

func encodeTools(defs []model.ToolDefinition) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := sanToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf("bedrock: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		sanToCanon[sanitized] = def.Name
		canonToSan[def.Name] = sanitized
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(def.InputSchema)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, canonToSan, sanToCanon, nil
}

// sanitizeToolName maps a tool name to characters allowed by Bedrock's tool
// naming constraint ([a-zA-Z0-9_-]+, <=64 chars), replacing any disallowed
// rune (including '.') with '_'.
func sanitizeToolName(in string) string {
	if in == "" {
		return ""
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

func toDocument(schema any) document.Interface {
	switch v := schema.(type) {
	case nil:
		return lazyDocument(map[string]any{"type": "object"})
	case json.RawMessage:
		if len(v) == 0 {
			return lazyDocument(map[string]any{"type": "object"})
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return lazyDocument(map[string]any{"type": "object"})
		}
		return lazyDocument(decoded)
	default:
		return lazyDocument(v)
	}
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func translateResponse(output *bedrockruntime.ConverseOutput, modelID string, nameMap map[string]string) (model.Response, error) {
	if output == nil {
		return model.Response{}, errors.New("bedrock: response is nil")
	}
	resp := model.Response{
		Model:        modelID,
		Provider:     "bedrock",
		FullResponse: output,
	}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				name := ""
				if v.Value.Name != nil {
					name = *v.Value.Name
					if canonical, ok := nameMap[name]; ok {
						name = canonical
					}
				}
				var id string
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:        id,
					Name:      name,
					Arguments: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.TokensIn = int(ptrValue(usage.InputTokens))
		resp.TokensOut = int(ptrValue(usage.OutputTokens))
	}
	return resp, nil
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

// isRateLimited reports whether err represents a provider rate-limiting
// condition: either an HTTP 429 response or a Bedrock throttling error code.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}
