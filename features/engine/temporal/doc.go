// Package temporal implements runtime/engine.Engine backed by Temporal
// (https://temporal.io), the durable-execution workflow engine a session's
// CascadeRunner targets when it must survive process restarts between
// phases, soundings, and checkpoint waits.
//
// # Why Temporal
//
// A cascade run can span human-in-the-loop checkpoints lasting minutes to
// days. Temporal persists workflow state as an event history and replays it
// deterministically on worker restart, so a crashed engine process resumes
// exactly where a session left off instead of losing the run.
//
// # Determinism
//
// Workflow handlers (CascadeRunner.Run invoked through engine.WorkflowFunc)
// must be deterministic: the same inputs and activity results must produce
// the same execution sequence on replay. Phase/sounding/model work that
// performs real I/O belongs in activities (engine.ActivityFunc), which are
// not replay-constrained; workflow code only coordinates activities and
// signals.
//
// # Worker vs client mode
//
// The same Engine can run workers that execute workflows locally, or start
// workflows without local execution (client-only processes such as a CLI
// that enqueues a run and exits). Both share Options; client-only callers
// simply never call Worker().Start().
package temporal
