package schema

// Plan is the declarative set of steps (and optional phases) to execute.
type Plan struct {
	Steps  []StepSpec  `json:"steps" yaml:"steps"`
	Phases []PhaseSpec `json:"phases,omitempty" yaml:"phases,omitempty"`
}

// StepSpec describes one unit of work: a tool invocation with templated
// parameters, an optional guard condition and optional explicit links.
type StepSpec struct {
	ID            string            `json:"id" yaml:"id"`
	Tool          string            `json:"tool" yaml:"tool"`
	Parameters    map[string]any    `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	DependsOn     []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Condition     string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// PhaseSpec is a coarse grouping of steps with its own ordering links.
type PhaseSpec struct {
	Name      string   `json:"name" yaml:"name"`
	Steps     []string `json:"steps,omitempty" yaml:"steps,omitempty"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *StepSpec {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepIDs returns the step identifiers in declaration order.
func (p *Plan) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}
