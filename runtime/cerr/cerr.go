// Package cerr defines the closed set of error types a cascade run can
// surface. Every component returns one of these rather than an opaque
// wrapped error, so callers can branch on kind with errors.As.
package cerr

import "fmt"

// Kind identifies which of the closed error categories an Error belongs to.
type Kind string

const (
	KindConfig          Kind = "config"
	KindProvider        Kind = "provider"
	KindParse           Kind = "parse"
	KindSchema          Kind = "schema"
	KindValidation      Kind = "validation"
	KindExtraction      Kind = "extraction"
	KindTool            Kind = "tool"
	KindCheckpointTimeout Kind = "checkpoint_timeout"
	KindBudgetExceeded  Kind = "budget_exceeded"
	KindCancelled       Kind = "cancelled"
	KindInfrastructure  Kind = "infrastructure"
)

// Error is the common shape for every cascade error: a Kind, the phase it
// occurred in (empty if not phase-scoped), the wrapped cause, and whether a
// caller should retry.
type Error struct {
	Kind      Kind
	Phase     string
	Message   string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Phase != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (phase %s): %v", e.Kind, e.Message, e.Phase, e.Cause)
		}
		return fmt.Sprintf("%s: %s (phase %s)", e.Kind, e.Message, e.Phase)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &cerr.Error{Kind: cerr.KindCancelled}) style
// comparisons by matching on Kind alone; the target's Phase, Message and
// Cause are ignored.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(k Kind, phase, msg string, cause error, retryable bool) *Error {
	return &Error{Kind: k, Phase: phase, Message: msg, Cause: cause, Retryable: retryable}
}

// Config wraps a cascade/phase configuration error (malformed YAML/JSON,
// missing required field, invalid reference). Never retryable.
func Config(msg string, cause error) *Error { return newErr(KindConfig, "", msg, cause, false) }

// Provider wraps a model-provider call failure (HTTP error, rate limit,
// malformed response). Retryable unless the cause indicates a 4xx-class
// client error.
func Provider(phase, msg string, cause error, retryable bool) *Error {
	return newErr(KindProvider, phase, msg, cause, retryable)
}

// Parse wraps a failure to extract any tool call from agent output across
// every registered ToolCallParser format.
func Parse(phase, msg string, cause error) *Error {
	return newErr(KindParse, phase, msg, cause, false)
}

// Schema wraps an output_schema / tool-payload-schema compilation or
// validation failure.
func Schema(phase, msg string, cause error) *Error {
	return newErr(KindSchema, phase, msg, cause, false)
}

// Validation wraps a blocking validator/ward rejection.
func Validation(phase, msg string, cause error) *Error {
	return newErr(KindValidation, phase, msg, cause, false)
}

// Extraction wraps an output_extraction pattern failing to locate its match
// in the agent's final response.
func Extraction(phase, msg string, cause error) *Error {
	return newErr(KindExtraction, phase, msg, cause, false)
}

// Tool wraps a tool execution failure (not a parse failure: the call
// parsed fine, the tool itself errored).
func Tool(phase, msg string, cause error, retryable bool) *Error {
	return newErr(KindTool, phase, msg, cause, retryable)
}

// CheckpointTimeout wraps a checkpoint whose wait_for_response deadline
// elapsed with no human/tool response posted.
func CheckpointTimeout(phase, msg string) *Error {
	return newErr(KindCheckpointTimeout, phase, msg, nil, false)
}

// BudgetExceeded wraps a TokenBudget enforcement failure under the "fail"
// strategy.
func BudgetExceeded(phase, msg string) *Error {
	return newErr(KindBudgetExceeded, phase, msg, nil, false)
}

// Cancelled wraps a session/run cancellation propagated from a parent.
func Cancelled(phase, msg string) *Error {
	return newErr(KindCancelled, phase, msg, nil, false)
}

// Infrastructure wraps a durable-store/engine-level failure (Mongo, Redis,
// Temporal) unrelated to cascade semantics. Always retryable by the engine's
// own retry policy.
func Infrastructure(msg string, cause error) *Error {
	return newErr(KindInfrastructure, "", msg, cause, true)
}
