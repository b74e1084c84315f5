// Package model defines the provider-agnostic Agent client contract
// consumed by PhaseRunner and SoundingRunner (spec §6), adapted from the
// Message/Part/Client shape in runtime/agent/model/model.go down to the
// flatter request/response the specification describes: one call per
// model turn, context passed as a resolved message list rather than a
// streaming transcript builder.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrRateLimited wraps a provider error that represents rate limiting (HTTP
// 429 or an equivalent provider-specific throttling code), letting callers
// such as features/model/middleware's rate limiter detect it via errors.Is
// regardless of which provider adapter produced it.
var ErrRateLimited = errors.New("model: rate limited")

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ImagePart carries a single inline image reference within a Message, as
// produced by ContextBuilder's image-inclusion filter (spec §4.8) or by a
// tool result carrying an `images` field (spec §4.4 step h).
type ImagePart struct {
	URL      string // data: URL or external reference
	MimeType string
}

// Message is one entry in the context passed to an Agent invocation.
// Content is the textual body; Images, when non-empty, makes this a
// multi-modal message.
type Message struct {
	Role      Role
	Content   string
	Images    []ImagePart
	ToolCall  *ToolCallRef // set on an assistant message that requested a tool
	ToolReply *ToolReply   // set on a tool-role message carrying a result
}

// ToolCallRef names a provider-issued tool invocation attached to an
// assistant message.
type ToolCallRef struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolReply carries a tool's result back into the context, correlated to
// the originating call by ID.
type ToolReply struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDefinition describes a tool the model may call, rendered from a
// ToolRegistry manifest entry (spec §6).
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolCall is a requested tool invocation returned from an Agent call.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Request captures the inputs to a single Agent turn (spec §6).
type Request struct {
	SystemPrompt    string
	UserPrompt      string
	ContextMessages []Message
	Tools           []ToolDefinition
	Model           string
}

// Response is the result of an Agent turn (spec §6). FullRequest and
// FullResponse are opaque provider payloads retained for UnifiedLog rows
// and debugging; they are not interpreted by the runtime.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	RequestID    string
	Model        string
	TokensIn     int
	TokensOut    int
	Cost         *float64 // nil when the provider does not report cost inline
	Provider     string
	FullRequest  any
	FullResponse any
}

// Agent is the provider-agnostic model client consumed by PhaseRunner and
// SoundingRunner. Implementations translate Request into a concrete
// provider call (features/model/anthropic, features/model/openai,
// features/model/bedrock) and adapt the result back into Response.
// Errors are returned as-is; callers attach FullRequest to log rows
// themselves when a call fails, since a failed Response carries no data.
type Agent interface {
	Run(ctx context.Context, req Request) (Response, error)
}

// AgentFunc adapts a plain function to the Agent interface, used
// extensively in tests and for simple scripted stand-ins.
type AgentFunc func(ctx context.Context, req Request) (Response, error)

// Run implements Agent.
func (f AgentFunc) Run(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
