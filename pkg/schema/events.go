package schema

import "time"

// Event type constants for the execution event log.
const (
	EventExecutionPrepared = "execution_prepared"
	EventExecutionCleaned  = "execution_cleaned"

	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
)

// StepStatus is the outcome recorded for a step in an execution context.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// EventType maps a step status to its event log type.
func (s StepStatus) EventType() string {
	switch s {
	case StepStatusCompleted:
		return EventStepCompleted
	case StepStatusFailed:
		return EventStepFailed
	default:
		return EventStepSkipped
	}
}

// StepOutcome is the structured result of one per-step execution call.
type StepOutcome struct {
	StepID string     `json:"step_id"`
	Status StepStatus `json:"status"`
	Result any        `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// ExecutionStatus is a point-in-time snapshot of an execution context.
type ExecutionStatus struct {
	ExecutionID      string            `json:"execution_id"`
	StartTime        time.Time         `json:"start_time"`
	GlobalParameters map[string]any    `json:"global_parameters"`
	StepResults      map[string]any    `json:"step_results"`
	StepStatus       map[string]string `json:"step_status"`
	CombinedView     map[string]any    `json:"combined_view"`
}
