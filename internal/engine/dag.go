package engine

import (
	"sync"

	"github.com/rendis/dispatchflow/internal/expressions"
	"github.com/rendis/dispatchflow/pkg/schema"
)

// DependencyAnalyzer discovers the dependency edges of a plan from explicit
// depends_on links, condition references and parameter references.
type DependencyAnalyzer struct {
	mu   sync.Mutex
	deps map[string][]schema.Dependency
}

// NewDependencyAnalyzer creates an empty analyzer.
func NewDependencyAnalyzer() *DependencyAnalyzer {
	return &DependencyAnalyzer{deps: make(map[string][]schema.Dependency)}
}

// AnalyzePlan rebuilds the dependency map for plan from scratch and returns a
// copy of it keyed by step id (and by phase name for phase links).
func (a *DependencyAnalyzer) AnalyzePlan(plan *schema.Plan) map[string][]schema.Dependency {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.deps = make(map[string][]schema.Dependency)
	if plan == nil {
		return map[string][]schema.Dependency{}
	}

	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			a.add(step.ID, dep, schema.DependencySequential, nil, "")
		}

		if step.Condition != "" {
			for _, ref := range expressions.Dedupe(expressions.ConditionReferences(step.Condition)) {
				a.add(step.ID, ref, schema.DependencyCondition, nil, step.Condition)
			}
		}

		fields := make(map[string][]string)
		var roots []string
		walkStrings(step.Parameters, func(s string) {
			for _, path := range expressions.ExtractPaths(s) {
				root, rest := splitRoot(path)
				if _, seen := fields[root]; !seen {
					roots = append(roots, root)
					fields[root] = nil
				}
				if rest != "" {
					fields[root] = append(fields[root], rest)
				}
			}
		})
		for _, root := range roots {
			a.add(step.ID, root, schema.DependencyParameter, expressions.Dedupe(fields[root]), "")
		}
	}

	for _, phase := range plan.Phases {
		for _, dep := range phase.DependsOn {
			a.add(phase.Name, dep, schema.DependencySequential, nil, "")
		}
	}

	return a.snapshot()
}

// AddDependency records that from depends on to. Repeating the same
// (from, to, kind) triple has no effect.
func (a *DependencyAnalyzer) AddDependency(from, to string, kind schema.DependencyKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.add(from, to, kind, nil, "")
}

// Dependencies returns the recorded dependencies of one step or phase.
func (a *DependencyAnalyzer) Dependencies(id string) []schema.Dependency {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]schema.Dependency(nil), a.deps[id]...)
}

func (a *DependencyAnalyzer) add(from, to string, kind schema.DependencyKind, fields []string, condition string) {
	for i, d := range a.deps[from] {
		if d.DependsOn == to && d.Kind == kind {
			a.deps[from][i].RequiredFields = expressions.Dedupe(append(d.RequiredFields, fields...))
			return
		}
	}
	a.deps[from] = append(a.deps[from], schema.Dependency{
		StepID:         from,
		DependsOn:      to,
		Kind:           kind,
		RequiredFields: fields,
		Condition:      condition,
		TimeoutSeconds: schema.DefaultDependencyTimeoutSeconds,
	})
}

func (a *DependencyAnalyzer) snapshot() map[string][]schema.Dependency {
	out := make(map[string][]schema.Dependency, len(a.deps))
	for k, v := range a.deps {
		out[k] = append([]schema.Dependency(nil), v...)
	}
	return out
}

// ExecutionOrder returns the step ids ordered so that every step follows the
// steps it declares in depends_on. Kahn's algorithm with a FIFO queue seeded
// in declaration order keeps the result deterministic. Links to unknown ids
// are ignored. Duplicate ids yield VALIDATION_ERROR. A cycle yields
// CYCLE_DETECTED, never a partial order.
func ExecutionOrder(steps []schema.StepSpec) ([]string, error) {
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		if known[s.ID] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", s.ID).
				WithDetails(map[string]any{"step_id": s.ID})
		}
		known[s.ID] = true
	}

	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if !known[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			inDegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, dep := range dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(steps) {
		var blocked []string
		for _, s := range steps {
			if inDegree[s.ID] > 0 {
				blocked = append(blocked, s.ID)
			}
		}
		sortStrings(blocked)
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "plan contains a dependency cycle").
			WithDetails(map[string]any{"blocked_steps": blocked})
	}
	return order, nil
}

// Levels groups ordered steps by dependency depth. Steps in one level only
// depend on steps in earlier levels.
func Levels(steps []schema.StepSpec, order []string) [][]string {
	edges := make(map[string][]string, len(steps))
	for _, s := range steps {
		edges[s.ID] = s.DependsOn
	}

	depth := make(map[string]int, len(order))
	maxLevel := 0
	for _, id := range order {
		d := 0
		for _, dep := range edges[id] {
			if dd, ok := depth[dep]; ok && dd+1 > d {
				d = dd + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	if len(order) == 0 {
		return nil
	}
	levels := make([][]string, maxLevel+1)
	for _, id := range order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, k := range sortedMapKeys(val) {
			walkStrings(val[k], fn)
		}
	case []any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}

func splitRoot(path string) (string, string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)
	return keys
}

// sortStrings sorts a slice of strings in-place using insertion sort.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
