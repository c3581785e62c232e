package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/dispatchflow/pkg/schema"
)

// Resolver renders templated parameter trees against a data view.
type Resolver struct{}

// NewResolver creates a parameter resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve renders every string leaf of params against data and returns the
// rendered tree with the de-duplicated root references encountered.
// Non-string scalars pass through unchanged.
func (r *Resolver) Resolve(params map[string]any, data map[string]any) (map[string]any, []string, error) {
	if params == nil {
		return map[string]any{}, nil, nil
	}
	var deps []string
	out, err := r.resolveValue(FromAny(params), data, &deps)
	if err != nil {
		return nil, nil, err
	}
	resolved, _ := out.Any().(map[string]any)
	return resolved, Dedupe(deps), nil
}

func (r *Resolver) resolveValue(v Value, data map[string]any, deps *[]string) (Value, error) {
	switch v.Kind {
	case KindMap:
		m := make(map[string]Value, len(v.Map))
		for _, k := range sortedKeys(v.Map) {
			rv, err := r.resolveValue(v.Map[k], data, deps)
			if err != nil {
				return Value{}, err
			}
			m[k] = rv
		}
		return Value{Kind: KindMap, Map: m}, nil
	case KindList:
		l := make([]Value, len(v.List))
		for i, item := range v.List {
			rv, err := r.resolveValue(item, data, deps)
			if err != nil {
				return Value{}, err
			}
			l[i] = rv
		}
		return Value{Kind: KindList, List: l}, nil
	default:
		s, ok := v.Scalar.(string)
		if !ok {
			return v, nil
		}
		rendered, refs, err := Render(s, data)
		if err != nil {
			return Value{}, err
		}
		*deps = append(*deps, refs...)
		return Value{Kind: KindScalar, Scalar: rendered}, nil
	}
}

// Render substitutes every {{ path }} placeholder in tmpl with the
// stringified value found at path in data. Strings without placeholders are
// returned as-is.
func Render(tmpl string, data map[string]any) (string, []string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil, nil
	}

	var (
		b    strings.Builder
		refs []string
	)
	b.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "{{")
		if idx == -1 {
			b.WriteString(tmpl[i:])
			break
		}
		b.WriteString(tmpl[i : i+idx])
		start := i + idx + 2

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			return "", nil, schema.NewErrorf(schema.ErrCodeTemplateRender,
				"unclosed placeholder in %q", tmpl)
		}
		end += start

		path := strings.TrimSpace(tmpl[start:end])
		if !pathRe.MatchString(path) {
			return "", nil, schema.NewErrorf(schema.ErrCodeTemplateRender,
				"invalid placeholder {{%s}} in %q", tmpl[start:end], tmpl).
				WithDetails(map[string]any{"template": tmpl})
		}

		val, err := Lookup(data, path)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(Stringify(val))

		root, _, _ := strings.Cut(path, ".")
		refs = append(refs, root)
		i = end + 2
	}

	return b.String(), refs, nil
}

// Lookup resolves a dotted path against data. Map segments select keys;
// numeric segments index lists.
func Lookup(data map[string]any, path string) (any, error) {
	segments := strings.Split(path, ".")
	root, ok := data[segments[0]]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateRender,
			"%q is undefined; available: [%s]", segments[0], strings.Join(sortedKeys(data), ", ")).
			WithDetails(map[string]any{"path": path})
	}

	current := root
	for _, seg := range segments[1:] {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateRender,
					"field %q not found in %q", seg, path).
					WithDetails(map[string]any{"path": path, "available_fields": sortedKeys(v)})
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateRender,
					"index %q out of range in %q (len %d)", seg, path, len(v))
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeTemplateRender,
				"cannot traverse into %T at %q in %q", current, seg, path)
		}
	}
	return current, nil
}

// Stringify converts a resolved value into its inline text form.
// Strings are embedded raw; composites are JSON-encoded.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
