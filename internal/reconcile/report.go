package reconcile

import (
	"time"
)

// Action is the resolved per-entity outcome of one reconciliation pass.
type Action string

const (
	// ActionNone means the entity was already in the desired state.
	ActionNone Action = "none"
	// ActionRename means the on-disk file was (or would be) renamed to the
	// preferred name; content was already correct.
	ActionRename Action = "rename"
	// ActionDownload means a fresh artifact was fetched and installed.
	ActionDownload Action = "download"
	// ActionReplace means the artifact was re-fetched and swapped in place.
	ActionReplace Action = "replace"
	// ActionDelete means a no-longer-desired artifact was removed.
	ActionDelete Action = "delete"
	// ActionDeferred means the mutation could not complete and was parked
	// in the deferred operations queue.
	ActionDeferred Action = "deferred"
	// ActionSkipped means the entity was left alone because of an error
	// (failed download, unverifiable file); the run continued.
	ActionSkipped Action = "skipped"
)

// EntityResult reports what happened to one desired or tracked entity.
type EntityResult struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"` // "mod" or "file"
	Action Action `json:"action"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Report summarizes one reconciliation run.
type Report struct {
	RunID       string        `json:"run_id"`
	PackVersion string        `json:"pack_version"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	DryRun      bool          `json:"dry_run"`

	// Replayed counts deferred operations resolved before planning.
	Replayed int `json:"replayed"`

	Entities []EntityResult `json:"entities"`

	Unchanged int `json:"unchanged"`
	Downloads int `json:"downloads"`
	Renames   int `json:"renames"`
	Replaced  int `json:"replaced"`
	Deletes   int `json:"deletes"`
	Deferred  int `json:"deferred"`
	Errors    int `json:"errors"`

	GateExecuted int `json:"gate_executed"`
	GateDeferred int `json:"gate_deferred"`
	GateSkipped  int `json:"gate_skipped"`

	// PendingRemaining is the deferred-operation backlog at end of run; a
	// non-zero value means the host should restart to release locks.
	PendingRemaining int `json:"pending_remaining"`
}

func (r *Report) record(res EntityResult) {
	r.Entities = append(r.Entities, res)
	switch res.Action {
	case ActionNone:
		r.Unchanged++
	case ActionRename:
		r.Renames++
	case ActionDownload:
		r.Downloads++
	case ActionReplace:
		r.Replaced++
	case ActionDelete:
		r.Deletes++
	case ActionDeferred:
		r.Deferred++
	case ActionSkipped:
		r.Errors++
	}
}

// Mutations reports how many state-changing actions the run performed.
// A second run against unchanged inputs must report zero.
func (r *Report) Mutations() int {
	return r.Downloads + r.Renames + r.Replaced + r.Deletes + r.Deferred + r.GateExecuted + r.GateDeferred
}
