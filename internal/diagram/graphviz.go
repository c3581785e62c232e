package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel with graphviz in the given format
// (graphviz.PNG, graphviz.SVG or graphviz.XDOT).
func RenderImage(ctx context.Context, model *DiagramModel, format graphviz.Format) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(node.Label)
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, sg := range model.Phases {
		sub, subErr := graph.CreateSubGraphByName("cluster_" + sg.Label)
		if subErr != nil {
			return nil, fmt.Errorf("diagram: create phase %s: %w", sg.Label, subErr)
		}
		sub.SetLabel(sg.Label)
		sub.SetStyle(cgraph.DashedGraphStyle)
		for _, id := range sg.NodeIDs {
			if _, ok := gvNodes[id]; !ok {
				continue
			}
			if _, nErr := sub.CreateNodeByName(id); nErr != nil {
				return nil, fmt.Errorf("diagram: add %s to phase %s: %w", id, sg.Label, nErr)
			}
		}
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s -> %s: %w", edge.From, edge.To, eErr)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Data {
			e.SetStyle(cgraph.DashedEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

type nodeStyle struct {
	fill  string
	font  string
	style cgraph.NodeStyle
}

var statusStyles = map[string]nodeStyle{
	"completed": {fill: "#2d6a2d", font: "white", style: cgraph.FilledNodeStyle},
	"failed":    {fill: "#8b1a1a", font: "white", style: cgraph.FilledNodeStyle},
	"skipped":   {fill: "#e8e8e8", font: "#888888", style: cgraph.DashedNodeStyle},
}

var kindShapes = map[NodeKind]cgraph.Shape{
	NodeKindStep:    cgraph.BoxShape,
	NodeKindGuarded: cgraph.DiamondShape,
	NodeKindStart:   cgraph.CircleShape,
	NodeKindEnd:     cgraph.CircleShape,
}

func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	if shape, ok := kindShapes[node.Kind]; ok {
		gvNode.SetShape(shape)
	}
	if node.Kind == NodeKindStart || node.Kind == NodeKindEnd {
		gvNode.SetWidth(0.4)
		gvNode.SetHeight(0.4)
	}
	if node.Status == nil {
		return
	}
	if st, ok := statusStyles[node.Status.Status]; ok {
		gvNode.SetStyle(st.style)
		gvNode.SetFillColor(st.fill)
		gvNode.SetFontColor(st.font)
	}
}
