package expressions

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"
)

// allowedGuardRe is the fixed character allow-list for guard expressions.
var allowedGuardRe = regexp.MustCompile(`^[\p{L}\p{N}_\s.\[\]()",'=!<>&|]+$`)

var (
	truthyWords = map[string]bool{"true": true, "1": true, "yes": true, "on": true}
	falsyWords  = map[string]bool{"false": true, "0": true, "no": true, "off": true}
)

// guardKeywords are identifiers that are never treated as context references.
var guardKeywords = map[string]string{
	"and": "and", "or": "or", "not": "not", "in": "in",
	"true": "true", "false": "false", "nil": "nil",
	"True": "true", "False": "false", "None": "nil",
}

// ConditionEvaluator decides whether a guarded step runs. It fails closed:
// every rendering or evaluation problem yields false.
type ConditionEvaluator struct {
	guard *GuardEngine
}

// NewConditionEvaluator creates a condition evaluator over a fresh guard engine.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{guard: NewGuardEngine()}
}

// Evaluate reports whether condition holds against data. An empty condition
// always holds.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, condition string, data map[string]any) bool {
	ok, _ := c.Explain(ctx, condition, data)
	return ok
}

// Explain is Evaluate plus a short reason when the result is false.
func (c *ConditionEvaluator) Explain(ctx context.Context, condition string, data map[string]any) (bool, string) {
	expression := unwrapPlaceholder(strings.TrimSpace(condition))
	if expression == "" {
		return true, ""
	}

	// A bare reference renders to the referenced value's text. Boolean words
	// apply only when no such reference exists.
	if pathRe.MatchString(expression) && guardKeywords[expression] == "" {
		val, err := Lookup(data, expression)
		if err == nil {
			return c.evaluateRendered(ctx, Stringify(val))
		}
		if word, ok := boolWord(expression); ok {
			return word, reasonIfFalse(word, "condition is "+expression)
		}
		return false, err.Error()
	}
	if word, ok := boolWord(expression); ok {
		return word, reasonIfFalse(word, "condition is "+expression)
	}
	if !allowedGuardRe.MatchString(expression) {
		return false, "condition contains disallowed characters"
	}

	rewritten, env, err := bindReferences(expression, data)
	if err != nil {
		return false, err.Error()
	}
	out, err := c.guard.Evaluate(ctx, rewritten, env)
	if err != nil {
		return false, err.Error()
	}
	ok := truthy(out)
	return ok, reasonIfFalse(ok, fmt.Sprintf("condition %q evaluated to %v", condition, out))
}

// evaluateRendered interprets already-rendered text: boolean words first,
// then a restricted expression with no variables.
func (c *ConditionEvaluator) evaluateRendered(ctx context.Context, rendered string) (bool, string) {
	if word, ok := boolWord(rendered); ok {
		return word, reasonIfFalse(word, "condition rendered "+rendered)
	}
	if !allowedGuardRe.MatchString(rendered) {
		return false, "rendered condition contains disallowed characters"
	}
	out, err := c.guard.Evaluate(ctx, rendered, nil)
	if err != nil {
		return false, err.Error()
	}
	ok := truthy(out)
	return ok, reasonIfFalse(ok, fmt.Sprintf("condition rendered %q", rendered))
}

func reasonIfFalse(ok bool, reason string) string {
	if ok {
		return ""
	}
	return reason
}

func boolWord(s string) (bool, bool) {
	lower := strings.ToLower(strings.TrimSpace(s))
	if truthyWords[lower] {
		return true, true
	}
	if falsyWords[lower] {
		return false, true
	}
	return false, false
}

// unwrapPlaceholder strips one {{ }} pair enclosing the whole expression.
func unwrapPlaceholder(s string) string {
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") || len(s) < 4 {
		return s
	}
	inner := s[2 : len(s)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return s
	}
	return strings.TrimSpace(inner)
}

// ConditionReferences returns the root identifiers a guard condition reads,
// in order of appearance. Literals and keywords are not references.
func ConditionReferences(condition string) []string {
	expression := unwrapPlaceholder(strings.TrimSpace(condition))
	if strings.Contains(expression, "{{") {
		return ExtractReferences(expression)
	}
	var refs []string
	_, _ = rewriteIdentifiers(expression, func(token string) (string, error) {
		root, _, _ := strings.Cut(token, ".")
		refs = append(refs, root)
		return token, nil
	})
	return refs
}

// bindReferences replaces every dotted identifier outside string literals
// with a generated variable bound to its resolved value.
func bindReferences(expression string, data map[string]any) (string, map[string]any, error) {
	env := make(map[string]any)
	rewritten, err := rewriteIdentifiers(expression, func(token string) (string, error) {
		val, err := Lookup(data, token)
		if err != nil {
			return "", err
		}
		name := fmt.Sprintf("_r%d", len(env))
		env[name] = val
		return name, nil
	})
	if err != nil {
		return "", nil, err
	}
	return rewritten, env, nil
}

// rewriteIdentifiers passes every dotted identifier outside string literals
// through fn and maps capitalized keyword spellings onto expr-lang ones.
func rewriteIdentifiers(expression string, fn func(token string) (string, error)) (string, error) {
	var b strings.Builder
	runes := []rune(expression)

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			j := i + 1
			for j < len(runes) && runes[j] != r {
				if runes[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(runes) {
				return "", fmt.Errorf("unterminated string literal in %q", expression)
			}
			b.WriteString(string(runes[i : j+1]))
			i = j + 1
		case unicode.IsDigit(r):
			j := i
			for j < len(runes) && (isWordRune(runes[j]) || runes[j] == '.') {
				j++
			}
			b.WriteString(string(runes[i:j]))
			i = j
		case isWordRune(r):
			j := i
			for j < len(runes) && (isWordRune(runes[j]) || runes[j] == '.') {
				j++
			}
			token := strings.TrimRight(string(runes[i:j]), ".")
			i += len([]rune(token))
			if kw, ok := guardKeywords[token]; ok {
				b.WriteString(kw)
				continue
			}
			replacement, err := fn(token)
			if err != nil {
				return "", err
			}
			b.WriteString(replacement)
		default:
			b.WriteRune(r)
			i++
		}
	}
	return b.String(), nil
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// truthy applies conventional truthiness: false, zero, empty and nil are false.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	default:
		return true
	}
}
