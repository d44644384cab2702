package model

import "time"

// RunStatus is the lifecycle state of a rollout Run (spec §3).
type RunStatus string

const (
	RunPlanning  RunStatus = "planning"
	RunActive    RunStatus = "active"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// TargetState is the lifecycle state of a rollout Target (spec §3).
type TargetState string

const (
	TargetPending    TargetState = "pending"
	TargetInProgress TargetState = "in_progress"
	TargetCompleted  TargetState = "completed"
	TargetFailed     TargetState = "failed"
	TargetSkipped    TargetState = "skipped"
)

// Terminal reports whether the state is a final, non-actionable state.
func (s TargetState) Terminal() bool {
	switch s {
	case TargetCompleted, TargetFailed, TargetSkipped:
		return true
	default:
		return false
	}
}

// Run is a single rollout execution.
type Run struct {
	ID          string
	CreatedAt   time.Time
	Status      RunStatus
	InitiatedBy string
}

// Stage is one sequenced phase of a Run, with an immutable guardrail
// snapshot captured at plan time.
type Stage struct {
	ID                string
	RunID             string
	Sequencing        int
	Name              string
	GuardrailSnapshot map[string]any
}

// Target is one router's work item within a Stage.
type Target struct {
	ID         string
	StageID    string
	Hostname   string
	PolicyHash string
	State      TargetState
	LastError  string
	UpdatedAt  time.Time
}

// Event is an append-only rollout audit record.
type Event struct {
	ID        string
	RunID     string
	EventType string
	Payload   map[string]any
	Timestamp time.Time
}

// Event type names (spec §4.13).
const (
	EventRunPlanned      = "run_planned"
	EventRunHydrated     = "run_hydrated"
	EventRunPaused       = "run_paused"
	EventRunResumed      = "run_resumed"
	EventRunAborted      = "run_aborted"
	EventRunCompleted    = "run_completed"
	EventStageCompleted  = "stage_completed"
	EventTargetCompleted = "target_completed"
	EventTargetFailed    = "target_failed"
	EventTargetSkipped   = "target_skipped"
)
