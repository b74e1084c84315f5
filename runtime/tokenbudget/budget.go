// Package tokenbudget implements the estimation/enforcement contract of
// spec §4.9. Grounded on the Budget/deadline struct shape of
// runtime/agent/runtime/activity_input_budget.go, ported from a
// wall-clock budget to a token-count budget.
package tokenbudget

import (
	"context"

	"goa.design/cascade/runtime/cerr"
)

// charsPerToken is the provider-agnostic approximation used across the
// reference implementation's estimate_tokens: roughly 4 characters per
// token for English text.
const charsPerToken = 4

// perMessageOverhead and perToolOverhead approximate the fixed framing
// cost (role markers, message boundaries, tool schema wrapper) that a
// pure character count misses.
const (
	perMessageOverhead = 4
	perToolOverhead    = 20
)

// Message is the minimal shape Budget needs from a context message: its
// text content. Callers adapt their own message types into this.
type Message struct {
	Content string
}

// Strategy names an enforcement strategy.
type Strategy string

const (
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyPruneOldest   Strategy = "prune_oldest"
	StrategySummarize     Strategy = "summarize"
	StrategyFail          Strategy = "fail"
)

// Summarizer produces a single summary message for a pruned message
// prefix, used by the "summarize" strategy. Implemented by an Agent-backed
// adapter at the phaserunner layer; kept as an interface here so
// tokenbudget has no dependency on the model package.
type Summarizer interface {
	Summarize(ctx context.Context, dropped []Message) (Message, error)
}

// Budget configures token estimation/enforcement for a phase or cascade.
type Budget struct {
	MaxTotal         int
	ReserveForOutput int
	Strategy         Strategy
	WarningThreshold float64 // fraction of MaxTotal, e.g. 0.8
}

// Status is the result of Check.
type Status struct {
	Current    int
	Limit      int
	OverBudget bool
	Warning    bool
	Percentage float64
}

// Estimate approximates the token count of messages plus tool schemas and
// a system prompt, per spec §4.9.
func Estimate(messages []Message, toolSchemaCount int, system string) int {
	total := len(system) / charsPerToken
	for _, m := range messages {
		total += len(m.Content)/charsPerToken + perMessageOverhead
	}
	total += toolSchemaCount * perToolOverhead
	return total
}

// Check reports the current usage against the budget's limit (MaxTotal
// minus ReserveForOutput).
func (b Budget) Check(messages []Message, toolSchemaCount int, system string) Status {
	limit := b.MaxTotal - b.ReserveForOutput
	if limit <= 0 {
		limit = b.MaxTotal
	}
	current := Estimate(messages, toolSchemaCount, system)
	pct := 0.0
	if limit > 0 {
		pct = float64(current) / float64(limit)
	}
	warnAt := b.WarningThreshold
	if warnAt <= 0 {
		warnAt = 0.8
	}
	return Status{
		Current:    current,
		Limit:      limit,
		OverBudget: current > limit,
		Warning:    pct >= warnAt,
		Percentage: pct,
	}
}

// EnforcementEvent describes what Enforce did, for logging (spec §4.9
// "every enforcement event is logged").
type EnforcementEvent struct {
	Strategy Strategy
	Dropped  int
	Summarized bool
}

// Enforce applies the configured strategy to bring messages under budget,
// returning the adjusted message list and a description of what happened.
// System messages (Role == "system", tracked by the caller via index 0 by
// convention in this package's Message shape-free design) are never
// dropped by sliding_window; callers pass messages with any leading system
// message first and Enforce treats index 0 as protected when present.
func (b Budget) Enforce(ctx context.Context, messages []Message, systemProtected bool, summarizer Summarizer) ([]Message, EnforcementEvent, error) {
	status := b.Check(messages, 0, "")
	if !status.OverBudget {
		return messages, EnforcementEvent{Strategy: b.Strategy}, nil
	}
	switch b.Strategy {
	case StrategyFail:
		return nil, EnforcementEvent{Strategy: b.Strategy}, cerr.BudgetExceeded("", "token budget exceeded")
	case StrategyPruneOldest:
		out, dropped := prune(messages, systemProtected, b.Limit())
		return out, EnforcementEvent{Strategy: b.Strategy, Dropped: dropped}, nil
	case StrategySummarize:
		return b.enforceSummarize(ctx, messages, systemProtected, summarizer)
	case StrategySlidingWindow, "":
		out, dropped := prune(messages, systemProtected, b.Limit())
		return out, EnforcementEvent{Strategy: StrategySlidingWindow, Dropped: dropped}, nil
	default:
		out, dropped := prune(messages, systemProtected, b.Limit())
		return out, EnforcementEvent{Strategy: b.Strategy, Dropped: dropped}, nil
	}
}

// Limit returns MaxTotal-ReserveForOutput (or MaxTotal if that's <= 0).
func (b Budget) Limit() int {
	limit := b.MaxTotal - b.ReserveForOutput
	if limit <= 0 {
		return b.MaxTotal
	}
	return limit
}

func prune(messages []Message, systemProtected bool, limit int) ([]Message, int) {
	start := 0
	if systemProtected && len(messages) > 0 {
		start = 1
	}
	out := append([]Message{}, messages...)
	dropped := 0
	for Estimate(out, 0, "") > limit && len(out) > start {
		out = append(out[:start], out[start+1:]...)
		dropped++
	}
	return out, dropped
}

func (b Budget) enforceSummarize(ctx context.Context, messages []Message, systemProtected bool, summarizer Summarizer) ([]Message, EnforcementEvent, error) {
	if summarizer == nil {
		out, dropped := prune(messages, systemProtected, b.Limit())
		return out, EnforcementEvent{Strategy: StrategyPruneOldest, Dropped: dropped}, nil
	}
	start := 0
	if systemProtected && len(messages) > 0 {
		start = 1
	}
	// Drop the oldest half of the non-protected messages and replace with
	// a single summary, matching the reference "summarizer LLM over the
	// dropped prefix" behavior without needing iterative re-estimation.
	splitAt := start + (len(messages)-start)/2
	if splitAt <= start {
		return messages, EnforcementEvent{Strategy: b.Strategy}, nil
	}
	droppedMsgs := messages[start:splitAt]
	summary, err := summarizer.Summarize(ctx, droppedMsgs)
	if err != nil {
		return nil, EnforcementEvent{}, cerr.Provider("", "summarizer call failed", err, true)
	}
	out := append([]Message{}, messages[:start]...)
	out = append(out, summary)
	out = append(out, messages[splitAt:]...)
	return out, EnforcementEvent{Strategy: b.Strategy, Dropped: len(droppedMsgs), Summarized: true}, nil
}
