package landscape

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testGraph() *Graph {
	return &Graph{
		RunID: "run-1",
		Nodes: []*Node{
			{NodeID: "src", PluginName: "csv", NodeType: NodeSource},
			{NodeID: "xf0", PluginName: "normalize", NodeType: NodeTransform},
			{NodeID: "sink-default", PluginName: "stdout", NodeType: NodeSink},
			{NodeID: "sink-error-0", PluginName: "stdout", NodeType: NodeSink},
		},
		Edges: []*Edge{
			{FromNodeID: "src", ToNodeID: "xf0", Label: LabelContinue, DefaultMode: ModeMove},
			{FromNodeID: "xf0", ToNodeID: "sink-default", Label: LabelContinue, DefaultMode: ModeMove},
			{FromNodeID: "xf0", ToNodeID: "sink-error-0", Label: "__error_0__", DefaultMode: ModeDivert},
		},
	}
}

func TestRenderMermaid_DistinguishesDivertFromMove(t *testing.T) {
	out := RenderMermaid(testGraph())

	assert.Contains(t, out, "-.->", "DIVERT edges must render dashed")
	assert.Contains(t, out, "-->", "MOVE edges must render solid")
}

func TestRenderMermaid_CopyEdgeIsThick(t *testing.T) {
	g := testGraph()
	g.Edges = append(g.Edges, &Edge{FromNodeID: "xf0", ToNodeID: "sink-default", Label: "branch_a", DefaultMode: ModeCopy})

	out := RenderMermaid(g)

	assert.Contains(t, out, "==>", "COPY edges must render thick")
}

func TestRenderASCII_TagsEachEdgeWithMode(t *testing.T) {
	out := RenderASCII(testGraph())

	assert.Contains(t, out, "(MOVE)")
	assert.Contains(t, out, "(DIVERT)")
	assert.Contains(t, out, "run run-1")
}
