package validation

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/rendis/dispatchflow/internal/engine"
	"github.com/rendis/dispatchflow/internal/expressions"
	"github.com/rendis/dispatchflow/pkg/schema"
)

var mappingPathRe = regexp.MustCompile(`^[\p{L}\p{N}_]+(?:\.[\p{L}\p{N}_]+)*$`)

// validateSemantic checks cross references that JSON Schema cannot express:
// unique ids, depends_on targets, phase membership, template syntax and
// output mapping paths.
func validateSemantic(plan *schema.Plan, lookup ToolLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(plan.Steps))
	for i, s := range plan.Steps {
		if stepIDs[s.ID] {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		stepIDs[s.ID] = true
	}

	ancestors := ancestorSets(plan.Steps, stepIDs)
	for i := range plan.Steps {
		validateStep(&plan.Steps[i], fmt.Sprintf("steps[%d]", i), stepIDs, ancestors, lookup, result)
	}

	validatePhases(plan, stepIDs, result)
	return result
}

func validateStep(step *schema.StepSpec, path string, stepIDs map[string]bool, ancestors map[string]map[string]bool, lookup ToolLookup, result *schema.ValidationResult) {
	if lookup != nil && !lookup.Has(step.Tool) {
		result.AddWarning(path+".tool", schema.ErrCodeNotFound,
			fmt.Sprintf("tool %q is not registered locally", step.Tool))
	}

	seen := make(map[string]bool, len(step.DependsOn))
	for j, dep := range step.DependsOn {
		depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
		switch {
		case dep == step.ID:
			result.AddError(depPath, schema.ErrCodeCycleDetected,
				fmt.Sprintf("step %q depends on itself", step.ID))
		case !stepIDs[dep]:
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", dep))
		case seen[dep]:
			result.AddWarning(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate dependency on %q", dep))
		}
		seen[dep] = true
	}

	for _, key := range slices.Sorted(maps.Keys(step.Parameters)) {
		checkTemplates(step.Parameters[key], fmt.Sprintf("%s.parameters.%s", path, key), result)
	}

	var refs []string
	for _, v := range step.Parameters {
		refs = append(refs, treeRoots(v)...)
	}
	if step.Condition != "" {
		if unbalanced(step.Condition) {
			result.AddError(path+".condition", schema.ErrCodeTemplateRender,
				"condition has an unterminated placeholder")
		}
		refs = append(refs, expressions.ConditionReferences(step.Condition)...)
	}
	for _, ref := range expressions.Dedupe(refs) {
		producer := producerOf(ref, stepIDs)
		if producer == "" || producer == step.ID {
			continue
		}
		if !ancestors[step.ID][producer] {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("references %q but is not ordered after step %q; add it to depends_on", ref, producer))
		}
	}

	for _, target := range slices.Sorted(maps.Keys(step.OutputMapping)) {
		src := step.OutputMapping[target]
		if src != "" && !mappingPathRe.MatchString(src) {
			result.AddError(fmt.Sprintf("%s.output_mapping.%s", path, target), schema.ErrCodeValidation,
				fmt.Sprintf("invalid source path %q", src))
		}
	}
}

func validatePhases(plan *schema.Plan, stepIDs map[string]bool, result *schema.ValidationResult) {
	if len(plan.Phases) == 0 {
		return
	}

	names := make(map[string]bool, len(plan.Phases))
	for i, p := range plan.Phases {
		if names[p.Name] {
			result.AddError(fmt.Sprintf("phases[%d].name", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate phase name %q", p.Name))
		}
		names[p.Name] = true
	}

	owner := make(map[string]string)
	nodes := make([]schema.StepSpec, 0, len(plan.Phases))
	for i, p := range plan.Phases {
		path := fmt.Sprintf("phases[%d]", i)
		for j, id := range p.Steps {
			switch {
			case !stepIDs[id]:
				result.AddError(fmt.Sprintf("%s.steps[%d]", path, j), schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent step %q", id))
			case owner[id] != "" && owner[id] != p.Name:
				result.AddWarning(fmt.Sprintf("%s.steps[%d]", path, j), schema.ErrCodeValidation,
					fmt.Sprintf("step %q already belongs to phase %q", id, owner[id]))
			default:
				owner[id] = p.Name
			}
		}
		for j, dep := range p.DependsOn {
			switch {
			case dep == p.Name:
				result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j), schema.ErrCodeCycleDetected,
					fmt.Sprintf("phase %q depends on itself", p.Name))
			case !names[dep]:
				result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j), schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent phase %q", dep))
			}
		}
		nodes = append(nodes, schema.StepSpec{ID: p.Name, DependsOn: p.DependsOn})
	}

	if !result.Valid() {
		return
	}
	if _, err := engine.ExecutionOrder(nodes); err != nil {
		result.AddError("phases", schema.ErrCodeCycleDetected, "phases contain a dependency cycle")
	}
}

// checkTemplates reports placeholders whose braces never close or whose
// path does not follow the identifier grammar.
func checkTemplates(v any, path string, result *schema.ValidationResult) {
	switch t := v.(type) {
	case string:
		if unbalanced(t) {
			result.AddError(path, schema.ErrCodeTemplateRender, "unterminated placeholder")
			return
		}
		if strings.Count(t, "{{") != len(expressions.ExtractPaths(t)) {
			result.AddError(path, schema.ErrCodeTemplateRender,
				fmt.Sprintf("malformed placeholder in %q", t))
		}
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(t)) {
			checkTemplates(t[k], path+"."+k, result)
		}
	case []any:
		for i, item := range t {
			checkTemplates(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}

func unbalanced(s string) bool {
	return strings.Count(s, "{{") != strings.Count(s, "}}")
}

func treeRoots(v any) []string {
	switch t := v.(type) {
	case string:
		return expressions.ExtractReferences(t)
	case map[string]any:
		var out []string
		for _, item := range t {
			out = append(out, treeRoots(item)...)
		}
		return out
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, treeRoots(item)...)
		}
		return out
	}
	return nil
}

// producerOf maps a reference root to the step that writes it: either the
// step result itself or its propagated output map.
func producerOf(root string, stepIDs map[string]bool) string {
	if stepIDs[root] {
		return root
	}
	if id, ok := strings.CutSuffix(root, engine.OutputKey("")); ok && stepIDs[id] {
		return id
	}
	return ""
}

// ancestorSets returns, per step, every step reachable through depends_on.
func ancestorSets(steps []schema.StepSpec, stepIDs map[string]bool) map[string]map[string]bool {
	direct := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if stepIDs[dep] {
				direct[s.ID] = append(direct[s.ID], dep)
			}
		}
	}

	out := make(map[string]map[string]bool, len(steps))
	for _, s := range steps {
		seen := make(map[string]bool)
		stack := append([]string(nil), direct[s.ID]...)
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[n] {
				continue
			}
			seen[n] = true
			stack = append(stack, direct[n]...)
		}
		out[s.ID] = seen
	}
	return out
}
