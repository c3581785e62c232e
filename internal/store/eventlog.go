package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/dispatchflow/pkg/schema"
)

// StepPayload is the JSON body stored with step events.
type StepPayload struct {
	Result any            `json:"result,omitempty"`
	Output map[string]any `json:"output,omitempty"`
	Reason string         `json:"reason,omitempty"`
	// Recorded is set when the outcome was written into the execution context.
	Recorded bool `json:"recorded,omitempty"`
}

// StepRecord is the replayed state of one step.
type StepRecord struct {
	StepID   string            `json:"step_id"`
	Status   schema.StepStatus `json:"status"`
	Result   any               `json:"result,omitempty"`
	Output   map[string]any    `json:"output,omitempty"`
	Error    string            `json:"error,omitempty"`
	Recorded bool              `json:"recorded"`
	Sequence int64             `json:"sequence"`
}

// EventLog provides typed step-event operations on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event log operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// RecordStep appends the outcome of one step execution. recorded tells
// replay whether the outcome also changed the execution context.
func (el *EventLog) RecordStep(ctx context.Context, executionID string, outcome *schema.StepOutcome, output map[string]any, recorded bool) error {
	payload, err := json.Marshal(StepPayload{Result: outcome.Result, Output: output, Reason: outcome.Reason, Recorded: recorded})
	if err != nil {
		return fmt.Errorf("marshal step payload: %w", err)
	}
	return el.store.AppendEvent(ctx, &Event{
		ExecutionID: executionID,
		StepID:      outcome.StepID,
		Type:        outcome.Status.EventType(),
		Status:      string(outcome.Status),
		Payload:     payload,
		Error:       outcome.Error,
	})
}

// RecordLifecycle appends an execution-level event with no step.
func (el *EventLog) RecordLifecycle(ctx context.Context, executionID, eventType string) error {
	return el.store.AppendEvent(ctx, &Event{ExecutionID: executionID, Type: eventType})
}

// Events returns every event of an execution in sequence order.
func (el *EventLog) Events(ctx context.Context, executionID string) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, 0)
}

// ReplayStatuses replays the step events of an execution and returns the last
// recorded state of each step. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayStatuses(ctx context.Context, executionID string) (map[string]*StepRecord, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	records := make(map[string]*StepRecord)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		rec := &StepRecord{
			StepID:   e.StepID,
			Status:   schema.StepStatus(e.Status),
			Error:    e.Error,
			Sequence: e.Sequence,
		}
		if len(e.Payload) > 0 {
			var p StepPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"decode payload of %s/%s seq %d: %s", executionID, e.StepID, e.Sequence, err.Error()).WithCause(err)
			}
			rec.Result = p.Result
			rec.Output = p.Output
			rec.Recorded = p.Recorded
		}
		records[e.StepID] = rec
	}
	return records, nil
}
