package diagram

import (
	"fmt"
	"strings"
)

var statusMarks = map[string]string{
	"completed": "[OK]",
	"failed":    "[FAIL]",
	"skipped":   "[SKIP]",
}

// RenderASCII renders a DiagramModel as plain text: one block per stage in
// execution order, followed by the edge list and phase membership.
func RenderASCII(model *DiagramModel) string {
	var w strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&w, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}

	for stage, ids := range model.Levels {
		fmt.Fprintf(&w, "stage %d\n", stage)
		for _, id := range ids {
			if n, ok := byID[id]; ok {
				w.WriteString("  ")
				w.WriteString(nodeLine(n))
				w.WriteByte('\n')
			}
		}
	}

	if len(model.Edges) > 0 {
		w.WriteString("\nedges\n")
		for _, e := range model.Edges {
			fmt.Fprintf(&w, "  %s %s %s\n", edgeEnd(byID, e.From), arrow(e), edgeEnd(byID, e.To))
		}
	}

	if len(model.Phases) > 0 {
		w.WriteString("\nphases\n")
		for _, sg := range model.Phases {
			fmt.Fprintf(&w, "  %s: %s\n", sg.Label, strings.Join(sg.NodeIDs, ", "))
		}
	}
	return w.String()
}

// nodeLine writes a node on a single line. Start and end are drawn as
// (name), guarded steps as <id> and plain steps as [id].
func nodeLine(n *Node) string {
	parts := strings.Split(n.Label, "\n")
	var head string
	switch n.Kind {
	case NodeKindStart, NodeKindEnd:
		return "(" + parts[0] + ")"
	case NodeKindGuarded:
		head = "<" + parts[0] + ">"
	default:
		head = "[" + parts[0] + "]"
	}

	fields := append([]string{head}, parts[1:]...)
	if n.Status != nil {
		if mark := statusMarks[n.Status.Status]; mark != "" {
			fields = append(fields, mark)
		}
	}
	return strings.Join(fields, "  ")
}

func edgeEnd(byID map[string]*Node, id string) string {
	if n, ok := byID[id]; ok && (n.Kind == NodeKindStart || n.Kind == NodeKindEnd) {
		return "(" + firstLine(n.Label) + ")"
	}
	return id
}

func arrow(e Edge) string {
	if !e.Data {
		return "-->"
	}
	if e.Label == "" {
		return "..>"
	}
	return "-." + e.Label + ".->"
}
