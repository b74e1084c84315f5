package cascaderunner

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"goa.design/cascade/runtime/cerr"
	"goa.design/cascade/runtime/echo"
	"goa.design/cascade/runtime/engine"
	"goa.design/cascade/runtime/phaserunner"
	"goa.design/cascade/runtime/session"
)

// Durable execution registers a Runner against a runtime/engine.Engine
// (the in-memory adapter for tests, features/engine/temporal for
// production) so that cascade runs survive process restarts: every
// side-effecting step a phase performs runs inside an activity, and the
// workflow function that sequences phases only threads an echo.Snapshot
// and a next-phase index decision between activity calls.
//
// Run (cascaderunner.go) remains the synchronous, single-process path used
// by the CLI and by nested cascades (sub-cascades, soundings). RunDurable
// is the counterpart for top-level cascades that must keep making forward
// progress across worker restarts and long human checkpoint waits.

const (
	// WorkflowCascade is the workflow name RegisterDurable registers.
	WorkflowCascade = "CascadeWorkflow"
	// ActivityRunPhase is the activity name for a single phase's execution.
	ActivityRunPhase = "CascadeRunPhase"
	// ActivityInitSession is the activity that creates the session record
	// and marks it running before the phase loop starts.
	ActivityInitSession = "CascadeInitSession"
	// ActivityFinalizeSession is the activity that records the session's
	// terminal status once the phase loop exits.
	ActivityFinalizeSession = "CascadeFinalizeSession"
)

// DurableInput is a workflow's input payload. Unlike Run, which takes an
// already-parsed *cascade.Cascade, RunDurable takes a path: a Temporal
// worker picking up this workflow after a restart reloads the cascade
// definition from disk rather than depending on an in-memory pointer
// surviving the restart.
type DurableInput struct {
	CascadePath string
	Options     Options
}

// DurableResult mirrors Result in a plain-data shape safe to carry across
// an engine's workflow/activity serialization boundary.
type DurableResult struct {
	SessionID string
	Status    string
	Output    string
	State     map[string]any
	Lineage   []echo.LineageEntry
}

type sessionLifecycleInput struct {
	SessionID       string
	CascadeID       string
	ParentSessionID string
	Depth           int
	Inputs          map[string]any
}

type sessionFinalizeInput struct {
	SessionID string
	Status    session.Status
	LastPhase string
	ErrMsg    string
}

// phaseActivityInput/phaseActivityOutput carry one phase's execution
// across the activity boundary. Snapshot is the only piece of Echo state
// that travels between the workflow and its activities; the workflow
// never touches a live *echo.Echo.
type phaseActivityInput struct {
	CascadePath string
	PhaseIndex  int
	SessionID   string
	Options     Options
	Snapshot    echo.Snapshot
}

type phaseActivityOutput struct {
	Snapshot      echo.Snapshot
	Content       string
	NextPhase     string
	DecisionAbort bool
	// Errored/ErrorMessage carry a phase-level failure (the same kind
	// Run() records via ec.AddError and a non-nil runErr) back to the
	// workflow as structured data rather than an activity error, so an
	// engine's activity-retry policy does not treat "the phase failed
	// validation" the same as "the activity process crashed".
	Errored      bool
	ErrorMessage string
}

// RegisterDurable registers r's session-lifecycle, phase-run, and
// cascade-sequencing handlers with eng. Call this once per engine instance
// during worker startup, before any RunDurable call targets that engine.
func RegisterDurable(ctx context.Context, eng engine.Engine, r *Runner) error {
	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{Name: ActivityInitSession, Handler: r.initSessionActivity}); err != nil {
		return err
	}
	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{Name: ActivityFinalizeSession, Handler: r.finalizeSessionActivity}); err != nil {
		return err
	}
	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{Name: ActivityRunPhase, Handler: r.runPhaseActivity}); err != nil {
		return err
	}
	return eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{Name: WorkflowCascade, Handler: r.runCascadeWorkflow})
}

// RunDurable starts cascadePath as a durable workflow execution on eng and
// blocks for its terminal result. RegisterDurable must already have been
// called against eng.
func RunDurable(ctx context.Context, eng engine.Engine, cascadePath string, opts Options) (DurableResult, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	opts.SessionID = sessionID

	h, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       sessionID,
		Workflow: WorkflowCascade,
		Input:    DurableInput{CascadePath: cascadePath, Options: opts},
	})
	if err != nil {
		return DurableResult{}, err
	}
	var res DurableResult
	err = h.Wait(ctx, &res)
	return res, err
}

// runCascadeWorkflow is the deterministic phase-sequencing loop: it holds
// no live Echo or Agent, only the snapshot threaded between activities and
// the routing decision nextPhaseIndex already makes for the synchronous
// path, so the two paths agree on handoff semantics (spec §4.6).
func (r *Runner) runCascadeWorkflow(wctx engine.WorkflowContext, input any) (any, error) {
	in, ok := input.(DurableInput)
	if !ok {
		return nil, fmt.Errorf("cascaderunner: durable workflow expects DurableInput, got %T", input)
	}

	c, err := r.Loader(in.CascadePath)
	if err != nil {
		return nil, cerr.Config("load cascade", err)
	}

	sessionID := in.Options.SessionID
	if sessionID == "" {
		sessionID = wctx.WorkflowID()
	}

	index := make(map[string]int, len(c.Phases))
	for i, p := range c.Phases {
		index[p.Name] = i
	}

	ctx := wctx.Context()

	var initOut struct{}
	if err := wctx.ExecuteActivity(ctx, engine.ActivityRequest{
		Name: ActivityInitSession,
		Input: sessionLifecycleInput{
			SessionID: sessionID, CascadeID: c.CascadeID,
			ParentSessionID: in.Options.ParentSessionID, Depth: in.Options.Depth, Inputs: in.Options.Inputs,
		},
	}, &initOut); err != nil {
		return nil, err
	}

	snap := echo.Snapshot{State: map[string]any{"inputs": in.Options.Inputs}}
	var lastPhase, output, errMsg string
	status := session.StatusCompleted
	current := 0

	for current >= 0 && current < len(c.Phases) {
		phase := c.Phases[current]
		lastPhase = phase.Name

		var out phaseActivityOutput
		req := engine.ActivityRequest{Name: ActivityRunPhase, Input: phaseActivityInput{
			CascadePath: in.CascadePath, PhaseIndex: current, SessionID: sessionID, Options: in.Options, Snapshot: snap,
		}}
		if activityErr := wctx.ExecuteActivity(ctx, req, &out); activityErr != nil {
			status, errMsg = session.StatusError, activityErr.Error()
			break
		}
		snap = out.Snapshot
		output = out.Content

		if out.Errored {
			status, errMsg = session.StatusError, out.ErrorMessage
			break
		}
		if out.DecisionAbort {
			break
		}

		next, routeErr := nextPhaseIndex(phase, phaserunner.Output{NextPhase: out.NextPhase}, index)
		if routeErr != nil {
			status, errMsg = session.StatusError, routeErr.Error()
			break
		}
		current = next
	}

	var finOut struct{}
	_ = wctx.ExecuteActivity(ctx, engine.ActivityRequest{
		Name:  ActivityFinalizeSession,
		Input: sessionFinalizeInput{SessionID: sessionID, Status: status, LastPhase: lastPhase, ErrMsg: errMsg},
	}, &finOut)

	res := DurableResult{SessionID: sessionID, Status: string(status), Output: output, State: snap.State, Lineage: snap.Lineage}
	if errMsg != "" {
		return res, fmt.Errorf("%s", errMsg)
	}
	return res, nil
}

// initSessionActivity performs the create/mark-running side effects Run
// does directly at the top of its own Run method (cascaderunner.go), as an
// activity so the workflow body stays free of I/O.
func (r *Runner) initSessionActivity(ctx context.Context, input any) (any, error) {
	in, ok := input.(sessionLifecycleInput)
	if !ok {
		return nil, fmt.Errorf("cascaderunner: init session activity expects sessionLifecycleInput, got %T", input)
	}
	if _, err := r.Sessions.Create(ctx, in.SessionID, in.CascadeID, in.ParentSessionID, in.Depth, map[string]any{"inputs": in.Inputs}); err != nil && err != session.ErrAlreadyExists {
		return nil, cerr.Infrastructure("create session", err)
	}
	if err := r.Sessions.SetStatus(ctx, in.SessionID, session.StatusRunning, "", ""); err != nil {
		r.logError(ctx, "set session running", err)
	}
	return struct{}{}, nil
}

// finalizeSessionActivity records the session's terminal status, the
// durable counterpart of the tail of Run.
func (r *Runner) finalizeSessionActivity(ctx context.Context, input any) (any, error) {
	in, ok := input.(sessionFinalizeInput)
	if !ok {
		return nil, fmt.Errorf("cascaderunner: finalize session activity expects sessionFinalizeInput, got %T", input)
	}
	if err := r.Sessions.SetStatus(ctx, in.SessionID, in.Status, in.LastPhase, in.ErrMsg); err != nil {
		r.logError(ctx, "set session final status", err)
	}
	return struct{}{}, nil
}

// runPhaseActivity runs exactly one phase to completion (its agent turns,
// sounding fan-out, checkpoint waits, and sub/async cascade dispatch),
// cloning a live Echo from the inbound snapshot and returning the
// resulting snapshot rather than the Echo itself, the same
// clone/merge-by-value discipline soundingrunner already uses across its
// own worker-goroutine boundary (spec §4.7).
func (r *Runner) runPhaseActivity(ctx context.Context, input any) (any, error) {
	in, ok := input.(phaseActivityInput)
	if !ok {
		return nil, fmt.Errorf("cascaderunner: run phase activity expects phaseActivityInput, got %T", input)
	}

	c, err := r.Loader(in.CascadePath)
	if err != nil {
		return nil, cerr.Config("load cascade", err)
	}
	if in.PhaseIndex < 0 || in.PhaseIndex >= len(c.Phases) {
		return nil, fmt.Errorf("cascaderunner: phase index %d out of range for cascade %q", in.PhaseIndex, c.CascadeID)
	}
	phase := c.Phases[in.PhaseIndex]
	names := make([]string, len(c.Phases))
	for i, p := range c.Phases {
		names[i] = p.Name
	}

	runnerState := echo.RunnerState{
		SessionID: in.SessionID, CascadeID: c.CascadeID, ParentSessionID: in.Options.ParentSessionID,
		Depth: in.Options.Depth, SoundingIndex: in.Options.SoundingIndex, ReforgeStep: in.Options.ReforgeStep,
	}
	ec := echo.Clone(in.Snapshot, runnerState, r.Log)

	cancelled, cerr2 := r.Sessions.IsCancelled(ctx, in.SessionID)
	if cerr2 != nil {
		r.logError(ctx, "check cancellation", cerr2)
	}
	if cancelled {
		return nil, cerr.Cancelled(phase.Name, "cancellation requested")
	}

	vr := r.validatorsFor(c)
	budget := budgetFor(c)

	r.dispatchAsync(ctx, phase.AsyncCascades, "on_start", in.SessionID, in.Options.Depth, ec)

	out, runErr := r.runPhase(ctx, phase, in.PhaseIndex, names, c.CascadeID, in.SessionID, in.Options, ec, vr, budget)
	if runErr != nil {
		ec.AddError(phase.Name, "phase_error", runErr.Error(), nil)
		return phaseActivityOutput{Snapshot: ec.Snapshot(), Errored: true, ErrorMessage: runErr.Error()}, nil
	}

	if len(phase.SubCascades) > 0 {
		if subErr := r.runSubCascades(ctx, phase.SubCascades, in.SessionID, in.Options.Depth, ec); subErr != nil {
			ec.AddError(phase.Name, "sub_cascade_error", subErr.Error(), nil)
			return phaseActivityOutput{Snapshot: ec.Snapshot(), Errored: true, ErrorMessage: subErr.Error()}, nil
		}
	}

	r.dispatchAsync(ctx, phase.AsyncCascades, "on_end", in.SessionID, in.Options.Depth, ec)

	return phaseActivityOutput{
		Snapshot:      ec.Snapshot(),
		Content:       out.Content,
		NextPhase:     out.NextPhase,
		DecisionAbort: out.DecisionAbort,
	}, nil
}
