package landscape

import (
	"fmt"
	"sort"
	"strings"
)

// RenderMermaid renders a Graph as a Mermaid flowchart. DIVERT edges render
// as dashed links, COPY edges as thick links, and MOVE edges as plain solid
// links, so the three routing modes are visually distinct as required by the
// dag CLI/API surface.
func RenderMermaid(g *Graph) string {
	var b strings.Builder

	b.WriteString("flowchart LR\n")

	nodeByID := make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodeByID[n.NodeID] = n
	}

	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.NodeID)
	}

	sort.Strings(ids)

	for _, id := range ids {
		n := nodeByID[id]
		fmt.Fprintf(&b, "    %s[%q]\n", sanitizeID(n.NodeID), fmt.Sprintf("%s (%s)", n.PluginName, n.NodeType))
	}

	edges := append([]*Edge(nil), g.Edges...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].FromNodeID != edges[j].FromNodeID {
			return edges[i].FromNodeID < edges[j].FromNodeID
		}

		return edges[i].Label < edges[j].Label
	})

	for _, e := range edges {
		arrow := mermaidArrow(e.DefaultMode)
		fmt.Fprintf(&b, "    %s %s|%s| %s\n", sanitizeID(e.FromNodeID), arrow, e.Label, sanitizeID(e.ToNodeID))
	}

	return b.String()
}

func mermaidArrow(mode EdgeMode) string {
	switch mode {
	case ModeDivert:
		return "-.->"
	case ModeCopy:
		return "==>"
	default:
		return "-->"
	}
}

// sanitizeID makes a node_id safe to use as a bare Mermaid identifier.
func sanitizeID(id string) string {
	replacer := strings.NewReplacer("-", "_", ".", "_", " ", "_")

	return replacer.Replace(id)
}

// RenderASCII renders a Graph as an indented node/edge list, annotating each
// edge with its mode so DIVERT routes are distinguishable from MOVE/COPY in
// a plain-text terminal.
func RenderASCII(g *Graph) string {
	var b strings.Builder

	fmt.Fprintf(&b, "run %s\n", g.RunID)

	nodeByID := make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodeByID[n.NodeID] = n
	}

	outgoing := make(map[string][]*Edge)
	for _, e := range g.Edges {
		outgoing[e.FromNodeID] = append(outgoing[e.FromNodeID], e)
	}

	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.NodeID)
	}

	sort.Strings(ids)

	for _, id := range ids {
		n := nodeByID[id]
		fmt.Fprintf(&b, "[%s] %s (%s)\n", n.NodeType, n.NodeID, n.PluginName)

		edges := outgoing[id]
		sort.Slice(edges, func(i, j int) bool { return edges[i].Label < edges[j].Label })

		for _, e := range edges {
			fmt.Fprintf(&b, "    --%s(%s)--> %s\n", e.Label, asciiModeTag(e.DefaultMode), e.ToNodeID)
		}
	}

	return b.String()
}

func asciiModeTag(mode EdgeMode) string {
	switch mode {
	case ModeDivert:
		return "DIVERT"
	case ModeCopy:
		return "COPY"
	default:
		return "MOVE"
	}
}
