package diagram

import "strings"

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep    NodeKind = "step"
	NodeKindGuarded NodeKind = "guarded"
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
	Phases []*SubGraph
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// SubGraph groups the steps of one phase.
type SubGraph struct {
	Label   string
	NodeIDs []string
}

// StatusOverlay carries the runtime state of a step.
type StatusOverlay struct {
	Status string
}

// Edge is a dependency between two nodes. Data is true when the link comes
// from a parameter or condition reference rather than depends_on.
type Edge struct {
	From  string
	To    string
	Label string
	Data  bool
}

// firstLine returns the first line of a multi-line label.
func firstLine(s string) string {
	first, _, _ := strings.Cut(s, "\n")
	return first
}
