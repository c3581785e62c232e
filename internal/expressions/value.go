package expressions

// Kind tags the shape held by a Value.
type Kind int

const (
	KindScalar Kind = iota
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "scalar"
	}
}

// Value is a parameter tree node: exactly one of Scalar, List or Map is
// meaningful, selected by Kind.
type Value struct {
	Kind   Kind
	Scalar any
	List   []Value
	Map    map[string]Value
}

// FromAny converts a decoded JSON/YAML tree into a Value.
func FromAny(v any) Value {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]Value, len(val))
		for k, item := range val {
			m[k] = FromAny(item)
		}
		return Value{Kind: KindMap, Map: m}
	case map[string]string:
		m := make(map[string]Value, len(val))
		for k, item := range val {
			m[k] = Value{Kind: KindScalar, Scalar: item}
		}
		return Value{Kind: KindMap, Map: m}
	case []any:
		l := make([]Value, len(val))
		for i, item := range val {
			l[i] = FromAny(item)
		}
		return Value{Kind: KindList, List: l}
	case []string:
		l := make([]Value, len(val))
		for i, item := range val {
			l[i] = Value{Kind: KindScalar, Scalar: item}
		}
		return Value{Kind: KindList, List: l}
	default:
		return Value{Kind: KindScalar, Scalar: v}
	}
}

// Any converts the Value back into plain maps, slices and scalars.
func (v Value) Any() any {
	switch v.Kind {
	case KindMap:
		m := make(map[string]any, len(v.Map))
		for k, item := range v.Map {
			m[k] = item.Any()
		}
		return m
	case KindList:
		l := make([]any, len(v.List))
		for i, item := range v.List {
			l[i] = item.Any()
		}
		return l
	default:
		return v.Scalar
	}
}

// DeepCopy returns a copy of m that shares no maps or slices with it.
func DeepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopy(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
