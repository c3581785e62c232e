package schema

// DependencyKind classifies why one step depends on another.
type DependencyKind string

const (
	DependencyParameter  DependencyKind = "parameter"
	DependencyResult     DependencyKind = "result"
	DependencyCondition  DependencyKind = "condition"
	DependencyParallel   DependencyKind = "parallel"
	DependencySequential DependencyKind = "sequential"
)

// DefaultDependencyTimeoutSeconds is stored on every dependency. It is not enforced.
const DefaultDependencyTimeoutSeconds = 30

// Dependency is one directed edge: StepID depends on DependsOn.
type Dependency struct {
	StepID         string         `json:"step_id"`
	DependsOn      string         `json:"depends_on"`
	Kind           DependencyKind `json:"kind"`
	RequiredFields []string       `json:"required_fields,omitempty"`
	Condition      string         `json:"condition,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}
