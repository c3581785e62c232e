package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/dispatchflow/internal/engine"
	"github.com/rendis/dispatchflow/pkg/schema"
)

// Build constructs a DiagramModel from a plan and its analysis. When status
// is non-nil each step node carries its recorded status.
func Build(title string, plan *schema.Plan, analysis *engine.Analysis, status *schema.ExecutionStatus) (*DiagramModel, error) {
	if plan == nil || analysis == nil {
		return nil, fmt.Errorf("diagram: plan and analysis are required")
	}

	model := &DiagramModel{Title: title}
	producers := make(map[string]string, len(plan.Steps)*2)
	for _, step := range plan.Steps {
		producers[step.ID] = step.ID
		producers[engine.OutputKey(step.ID)] = step.ID
	}

	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, step := range plan.Steps {
		node := &Node{ID: step.ID, Label: stepLabel(step), Kind: NodeKindStep}
		if step.Condition != "" {
			node.Kind = NodeKindGuarded
		}
		if status != nil {
			if s, ok := status.StepStatus[step.ID]; ok {
				node.Status = &StatusOverlay{Status: s}
			}
		}
		model.Nodes = append(model.Nodes, node)
	}
	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	type pair struct{ from, to string }
	seen := make(map[pair]bool)
	hasIn := make(map[string]bool)
	hasOut := make(map[string]bool)
	for _, step := range plan.Steps {
		for _, dep := range analysis.Dependencies[step.ID] {
			from, ok := producers[dep.DependsOn]
			if !ok || from == step.ID {
				continue
			}
			key := pair{from, step.ID}
			if seen[key] {
				continue
			}
			seen[key] = true
			edge := Edge{From: from, To: step.ID}
			if dep.Kind != schema.DependencySequential {
				edge.Label = string(dep.Kind)
				edge.Data = true
			}
			model.Edges = append(model.Edges, edge)
			hasIn[step.ID] = true
			hasOut[from] = true
		}
	}

	for _, step := range plan.Steps {
		if !hasIn[step.ID] {
			model.Edges = append(model.Edges, Edge{From: startID, To: step.ID})
		}
		if !hasOut[step.ID] {
			model.Edges = append(model.Edges, Edge{From: step.ID, To: endID})
		}
	}
	if len(plan.Steps) == 0 {
		model.Edges = append(model.Edges, Edge{From: startID, To: endID})
	}

	model.Levels = append(model.Levels, []string{startID})
	model.Levels = append(model.Levels, analysis.Levels...)
	model.Levels = append(model.Levels, []string{endID})

	for _, phase := range plan.Phases {
		model.Phases = append(model.Phases, &SubGraph{Label: phase.Name, NodeIDs: append([]string(nil), phase.Steps...)})
	}
	return model, nil
}

func stepLabel(step schema.StepSpec) string {
	label := step.ID + "\n" + step.Tool
	if step.Condition != "" {
		label += "\nif " + strings.TrimSpace(step.Condition)
	}
	return label
}
