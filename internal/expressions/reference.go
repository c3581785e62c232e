package expressions

import (
	"regexp"
	"strings"
)

const identPattern = `[\p{L}\p{N}_]+`

// placeholderRe matches {{ a.b.c }} with optional inner whitespace.
var placeholderRe = regexp.MustCompile(`\{\{\s*(` + identPattern + `(?:\.` + identPattern + `)*)\s*\}\}`)

// pathRe is the full grammar for the inside of a placeholder.
var pathRe = regexp.MustCompile(`^` + identPattern + `(?:\.` + identPattern + `)*$`)

// ExtractReferences returns the root identifier of every placeholder in s,
// in order of appearance. Duplicates are preserved.
func ExtractReferences(s string) []string {
	if !strings.Contains(s, "{{") {
		return nil
	}
	matches := placeholderRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		root, _, _ := strings.Cut(m[1], ".")
		refs = append(refs, root)
	}
	return refs
}

// ExtractPaths returns the full dotted path of every placeholder in s.
func ExtractPaths(s string) []string {
	if !strings.Contains(s, "{{") {
		return nil
	}
	var paths []string
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		paths = append(paths, m[1])
	}
	return paths
}

// ExtractTreeReferences walks a parameter tree and returns the references of
// every string leaf, in traversal order with map keys sorted.
func ExtractTreeReferences(v Value) []string {
	var refs []string
	var walk func(Value)
	walk = func(n Value) {
		switch n.Kind {
		case KindMap:
			for _, k := range sortedKeys(n.Map) {
				walk(n.Map[k])
			}
		case KindList:
			for _, item := range n.List {
				walk(item)
			}
		default:
			if s, ok := n.Scalar.(string); ok {
				refs = append(refs, ExtractReferences(s)...)
			}
		}
	}
	walk(v)
	return refs
}

// Dedupe removes repeated strings, keeping first-seen order.
func Dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Insertion sort: parameter maps are small.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
