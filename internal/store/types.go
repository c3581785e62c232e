package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/dispatchflow/pkg/schema"
)

// ExecutionState is the lifecycle state of a persisted execution.
type ExecutionState string

const (
	ExecutionActive  ExecutionState = "active"
	ExecutionCleaned ExecutionState = "cleaned"
)

// Execution is the persisted record of one prepared plan run.
type Execution struct {
	ID               string         `json:"id"`
	Plan             schema.Plan    `json:"plan"`
	GlobalParameters map[string]any `json:"global_parameters,omitempty"`
	Order            []string       `json:"order"`
	State            ExecutionState `json:"state"`
	StartedAt        time.Time      `json:"started_at"`
	CleanedAt        *time.Time     `json:"cleaned_at,omitempty"`
}

// Event is an immutable entry in the step event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Status      string          `json:"status,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ExecutionFilter narrows ListExecutions results.
type ExecutionFilter struct {
	State  *ExecutionState
	Since  *time.Time
	Limit  int
	Offset int
}
