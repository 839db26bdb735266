// Package graph builds and validates the execution graph (spec §4.3): a
// directed multigraph of source, transform, gate, coalesce, aggregation,
// and sink nodes, built once from plugin instances plus config and used
// read-only by the orchestrator and row processor for the lifetime of a
// run.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

const (
	labelContinue    = "continue"
	labelQuarantine  = "__quarantine__"
	discardPolicy    = "discard"
	requireAllPolicy = "require_all"
)

// Sentinel errors.
var (
	ErrCycle               = errors.New("graph: cycle detected")
	ErrUnreachable         = errors.New("graph: node not reachable from source")
	ErrDuplicateEdgeLabel  = errors.New("graph: duplicate edge label from the same source node")
	ErrOrphanForkBranch    = errors.New("graph: fork branch is neither routed to a sink nor claimed by exactly one coalesce")
	ErrCoalesceBranchMismatch = errors.New("graph: coalesce branch set is not a subset of its producing gate's fork_to set")
	ErrUnknownNode         = errors.New("graph: reference to an undeclared node")
)

// Node is one vertex of the execution graph.
type Node struct {
	ID   string
	Name string
	Type landscape.NodeType
}

// Edge is one arc of the execution graph. Multiple edges may share a From
// node as long as their Label differs (spec: "edge labels unique per
// source node").
type Edge struct {
	ID     string
	From   string
	To     string
	Label  string
	Mode   landscape.EdgeMode
}

// TransformSpec is one transform on the pre-gate spine.
type TransformSpec struct {
	Name    string
	OnError string // "discard", or a sink name to divert failures to
}

// GateSpec is one plugin gate. Routes is non-fork routing (label -> target
// node name, mode MOVE). ForkTo is fork routing (branch name -> target node
// name, mode COPY); a gate with non-empty ForkTo is a fork gate.
type GateSpec struct {
	Name   string
	Routes map[string]string
	ForkTo map[string]string
}

// CoalesceSpec is one named coalesce point.
type CoalesceSpec struct {
	Name          string
	Branches      []string
	ProducingGate string
	Downstream    string
	Policy        string // carried through only for the require_all warning check
}

// BuildSpec is the full set of plugin instances plus config the graph is
// constructed from.
type BuildSpec struct {
	SourceName          string
	OnValidationFailure string // "discard", or triggers the quarantine sink
	Transforms          []TransformSpec
	Gates               []GateSpec // pipeline order
	Coalesces           []CoalesceSpec
	Aggregations        []string
	DefaultSink         string
}

// Graph is the built, validated execution graph.
type Graph struct {
	nodes   map[string]Node
	nodeOrd []string
	edges   []Edge
	edgeMap map[[2]string]string // (from, label) -> edge id

	sourceID             string
	coalesceIDMap        map[string]string // coalesce name -> node id
	branchToCoalesce     map[string]string // branch name -> coalesce name
	coalesceGateIndex    map[string]int    // coalesce name -> producing gate's pipeline index
}

// GetSource returns the source node.
func (g *Graph) GetSource() Node { return g.nodes[g.sourceID] }

// GetNodes returns every node in construction order, for the orchestrator's
// one-time RegisterNode pass at the start of a run.
func (g *Graph) GetNodes() []Node {
	out := make([]Node, 0, len(g.nodeOrd))
	for _, id := range g.nodeOrd {
		out = append(out, g.nodes[id])
	}

	return out
}

// GetEdges returns every edge in construction order.
func (g *Graph) GetEdges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)

	return out
}

// EdgeMap looks up the edge id for (fromNodeID, label).
func (g *Graph) EdgeMap(fromNodeID, label string) (string, bool) {
	id, ok := g.edgeMap[[2]string{fromNodeID, label}]
	return id, ok
}

// GetCoalesceIDMap returns coalesce name -> node id.
func (g *Graph) GetCoalesceIDMap() map[string]string {
	out := make(map[string]string, len(g.coalesceIDMap))
	for k, v := range g.coalesceIDMap {
		out[k] = v
	}

	return out
}

// GetBranchToCoalesceMap returns fork-branch name -> coalesce name.
func (g *Graph) GetBranchToCoalesceMap() map[string]string {
	out := make(map[string]string, len(g.branchToCoalesce))
	for k, v := range g.branchToCoalesce {
		out[k] = v
	}

	return out
}

// GetCoalesceGateIndex returns, for each coalesce name, the pipeline index
// of its producing fork gate. Load-bearing: the orchestrator computes the
// coalesce step as num_transforms + gate_index + 1, so fork children skip
// directly to the coalesce point.
func (g *Graph) GetCoalesceGateIndex() map[string]int {
	out := make(map[string]int, len(g.coalesceGateIndex))
	for k, v := range g.coalesceGateIndex {
		out[k] = v
	}

	return out
}

func nodeID(kind, name string) string { return kind + ":" + name }

// Build constructs and validates the execution graph from spec.
func Build(spec BuildSpec) (*Graph, []string, error) {
	g := &Graph{
		nodes:             make(map[string]Node),
		edgeMap:           make(map[[2]string]string),
		coalesceIDMap:     make(map[string]string),
		branchToCoalesce:  make(map[string]string),
		coalesceGateIndex: make(map[string]int),
	}

	g.addNode(nodeID("source", spec.SourceName), spec.SourceName, landscape.NodeSource)
	g.sourceID = nodeID("source", spec.SourceName)

	for i, t := range spec.Transforms {
		g.addNode(nodeID("transform", fmt.Sprintf("%d:%s", i, t.Name)), t.Name, landscape.NodeTransform)
	}

	for _, gate := range spec.Gates {
		g.addNode(nodeID("gate", gate.Name), gate.Name, landscape.NodeGate)
	}

	for _, c := range spec.Coalesces {
		id := nodeID("coalesce", c.Name)
		g.addNode(id, c.Name, landscape.NodeCoalesce)
		g.coalesceIDMap[c.Name] = id
	}

	for _, a := range spec.Aggregations {
		g.addNode(nodeID("aggregation", a), a, landscape.NodeAggregation)
	}

	g.ensureSink(spec.DefaultSink)

	if spec.OnValidationFailure != discardPolicy {
		g.ensureSink(quarantineSinkName())
	}

	for i, t := range spec.Transforms {
		if t.OnError != discardPolicy && t.OnError != "" {
			g.ensureSink(t.OnError)
		}

		_ = i
	}

	for _, gate := range spec.Gates {
		for _, target := range gate.Routes {
			g.ensureSinkIfUnknown(target)
		}

		for _, target := range gate.ForkTo {
			g.ensureSinkIfUnknown(target)
		}
	}

	if err := g.buildSpine(spec); err != nil {
		return nil, nil, err
	}

	g.buildGateRoutesAndForks(spec)

	if err := g.buildCoalesceEdges(spec); err != nil {
		return nil, nil, err
	}

	g.buildDivertEdges(spec)

	if err := g.validate(spec); err != nil {
		return nil, nil, err
	}

	warnings := g.errorRoutingWarnings(spec)

	return g, warnings, nil
}

func quarantineSinkName() string { return "__quarantine__sink" }

func (g *Graph) addNode(id, name string, typ landscape.NodeType) {
	if _, exists := g.nodes[id]; exists {
		return
	}

	g.nodes[id] = Node{ID: id, Name: name, Type: typ}
	g.nodeOrd = append(g.nodeOrd, id)
}

func (g *Graph) ensureSink(name string) string {
	id := nodeID("sink", name)
	g.addNode(id, name, landscape.NodeSink)

	return id
}

// ensureSinkIfUnknown registers target as a sink node only if no
// transform/gate/coalesce/aggregation node already claims that name; gate
// routes and fork destinations may point at either kind of node.
func (g *Graph) ensureSinkIfUnknown(name string) {
	for _, id := range g.nodeOrd {
		if g.nodes[id].Name == name && g.nodes[id].Type != landscape.NodeSink {
			return
		}
	}

	g.ensureSink(name)
}

func (g *Graph) resolveNonSinkOrSink(name string) (string, error) {
	var sinkID string

	for _, id := range g.nodeOrd {
		n := g.nodes[id]
		if n.Name != name {
			continue
		}

		if n.Type == landscape.NodeSink {
			sinkID = id
			continue
		}

		return id, nil
	}

	if sinkID != "" {
		return sinkID, nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnknownNode, name)
}

func (g *Graph) addEdge(from, to, label string, mode landscape.EdgeMode) error {
	key := [2]string{from, label}
	if _, exists := g.edgeMap[key]; exists {
		return fmt.Errorf("%w: node %s label %q", ErrDuplicateEdgeLabel, from, label)
	}

	id := fmt.Sprintf("edge:%d", len(g.edges))
	g.edges = append(g.edges, Edge{ID: id, From: from, To: to, Label: label, Mode: mode})
	g.edgeMap[key] = id

	return nil
}

// buildSpine wires source -> transform[0] -> ... -> transform[N-1] ->
// (first gate | default sink), label "continue", mode MOVE.
func (g *Graph) buildSpine(spec BuildSpec) error {
	prev := g.sourceID

	for i, t := range spec.Transforms {
		next := nodeID("transform", fmt.Sprintf("%d:%s", i, t.Name))
		if err := g.addEdge(prev, next, labelContinue, landscape.ModeMove); err != nil {
			return err
		}

		prev = next
	}

	var tail string
	if len(spec.Gates) > 0 {
		tail = nodeID("gate", spec.Gates[0].Name)
	} else {
		tail = nodeID("sink", spec.DefaultSink)
	}

	return g.addEdge(prev, tail, labelContinue, landscape.ModeMove)
}

func (g *Graph) buildGateRoutesAndForks(spec BuildSpec) {
	for _, gate := range spec.Gates {
		from := nodeID("gate", gate.Name)

		labels := sortedKeys(gate.Routes)
		for _, label := range labels {
			target, err := g.resolveNonSinkOrSink(gate.Routes[label])
			if err != nil {
				continue
			}

			_ = g.addEdge(from, target, label, landscape.ModeMove)
		}

		branches := sortedKeys(gate.ForkTo)
		for _, branch := range branches {
			target, err := g.resolveNonSinkOrSink(gate.ForkTo[branch])
			if err != nil {
				continue
			}

			_ = g.addEdge(from, target, branch, landscape.ModeCopy)
		}
	}
}

// buildCoalesceEdges wires each branch tail (the fork gate's direct branch
// destination, at this level of the graph) to its coalesce node, and the
// coalesce node to its downstream.
func (g *Graph) buildCoalesceEdges(spec BuildSpec) error {
	for gi, gate := range spec.Gates {
		if len(gate.ForkTo) == 0 {
			continue
		}

		for branch, dest := range gate.ForkTo {
			coalesceName, ok := coalesceForBranch(spec, gate.Name, branch)
			if !ok {
				continue
			}

			g.branchToCoalesce[branch] = coalesceName
			g.coalesceGateIndex[coalesceName] = gi

			destID, err := g.resolveNonSinkOrSink(dest)
			if err != nil {
				return err
			}

			coalesceID := g.coalesceIDMap[coalesceName]
			_ = g.addEdge(destID, coalesceID, branch, landscape.ModeMove)
		}
	}

	for _, c := range spec.Coalesces {
		if c.Downstream == "" {
			continue
		}

		downID, err := g.resolveNonSinkOrSink(c.Downstream)
		if err != nil {
			return err
		}

		if err := g.addEdge(g.coalesceIDMap[c.Name], downID, labelContinue, landscape.ModeMove); err != nil {
			return err
		}
	}

	return nil
}

func coalesceForBranch(spec BuildSpec, gateName, branch string) (string, bool) {
	for _, c := range spec.Coalesces {
		if c.ProducingGate != gateName {
			continue
		}

		for _, b := range c.Branches {
			if b == branch {
				return c.Name, true
			}
		}
	}

	return "", false
}

func (g *Graph) buildDivertEdges(spec BuildSpec) {
	if spec.OnValidationFailure != discardPolicy {
		_ = g.addEdge(g.sourceID, nodeID("sink", quarantineSinkName()), labelQuarantine, landscape.ModeDivert)
	}

	for i, t := range spec.Transforms {
		if t.OnError == discardPolicy || t.OnError == "" {
			continue
		}

		from := nodeID("transform", fmt.Sprintf("%d:%s", i, t.Name))
		to := nodeID("sink", t.OnError)
		label := fmt.Sprintf("__error_%d__", i)
		_ = g.addEdge(from, to, label, landscape.ModeDivert)
	}
}

func (g *Graph) validate(spec BuildSpec) error {
	if err := g.checkNoCycles(); err != nil {
		return err
	}

	if err := g.checkReachability(); err != nil {
		return err
	}

	if err := g.checkForkBranchesAccountedFor(spec); err != nil {
		return err
	}

	return g.checkCoalesceBranchSets(spec)
}

func (g *Graph) checkNoCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(g.nodeOrd))

	adj := g.adjacency()

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray

		for _, e := range adj[id] {
			switch color[e] {
			case gray:
				return fmt.Errorf("%w: at node %s", ErrCycle, id)
			case white:
				if err := visit(e); err != nil {
					return err
				}
			}
		}

		color[id] = black

		return nil
	}

	for _, id := range g.nodeOrd {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}

	return nil
}

func (g *Graph) checkReachability() error {
	adj := g.adjacency()

	seen := map[string]bool{g.sourceID: true}
	queue := []string{g.sourceID}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, id := range g.nodeOrd {
		if !seen[id] {
			return fmt.Errorf("%w: %s (%s)", ErrUnreachable, g.nodes[id].Name, id)
		}
	}

	return nil
}

func (g *Graph) checkForkBranchesAccountedFor(spec BuildSpec) error {
	for _, gate := range spec.Gates {
		for branch, dest := range gate.ForkTo {
			if _, ok := coalesceForBranch(spec, gate.Name, branch); ok {
				continue
			}

			destID, err := g.resolveNonSinkOrSink(dest)
			if err != nil {
				return err
			}

			if g.nodes[destID].Type == landscape.NodeSink {
				continue
			}

			return fmt.Errorf("%w: gate %s branch %q", ErrOrphanForkBranch, gate.Name, branch)
		}
	}

	return nil
}

func (g *Graph) checkCoalesceBranchSets(spec BuildSpec) error {
	for _, c := range spec.Coalesces {
		var gate *GateSpec

		for i := range spec.Gates {
			if spec.Gates[i].Name == c.ProducingGate {
				gate = &spec.Gates[i]
				break
			}
		}

		if gate == nil {
			return fmt.Errorf("%w: coalesce %s references unknown gate %s", ErrUnknownNode, c.Name, c.ProducingGate)
		}

		for _, b := range c.Branches {
			if _, ok := gate.ForkTo[b]; !ok {
				return fmt.Errorf("%w: coalesce %s branch %q not in gate %s fork_to", ErrCoalesceBranchMismatch, c.Name, b, c.ProducingGate)
			}
		}
	}

	return nil
}

// errorRoutingWarnings emits a non-fatal warning for every transform node
// reachable from a fork gate (along the gate's own outgoing edges, then MOVE
// edges only) before reaching a require_all coalesce, if that transform's
// on_error diverts to a sink -- error routing there implicitly violates
// require_all.
func (g *Graph) errorRoutingWarnings(spec BuildSpec) []string {
	var warnings []string

	divertingTransforms := make(map[string]string) // node id -> sink name
	for i, t := range spec.Transforms {
		if t.OnError != discardPolicy && t.OnError != "" {
			divertingTransforms[nodeID("transform", fmt.Sprintf("%d:%s", i, t.Name))] = t.OnError
		}
	}

	if len(divertingTransforms) == 0 {
		return nil
	}

	adj := g.adjacency()
	moveAdj := g.moveAdjacency()

	for _, c := range spec.Coalesces {
		if c.Policy != requireAllPolicy {
			continue
		}

		forkID := nodeID("gate", c.ProducingGate)
		coalesceID := g.coalesceIDMap[c.Name]

		seen := map[string]bool{forkID: true}
		queue := []string{forkID}

		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]

			if cur == coalesceID {
				continue
			}

			if sink, ok := divertingTransforms[cur]; ok {
				warnings = append(warnings, fmt.Sprintf(
					"transform %s diverts errors to sink %s and lies between fork gate %s and require_all coalesce %s: error routing implicitly violates require_all",
					g.nodes[cur].Name, sink, c.ProducingGate, c.Name))
			}

			// The fork gate's branch edges are COPY edges; follow them too.
			nexts := moveAdj[cur]
			if cur == forkID {
				nexts = adj[cur]
			}

			for _, next := range nexts {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
	}

	sort.Strings(warnings)

	return warnings
}

func (g *Graph) adjacency() map[string][]string {
	adj := make(map[string][]string, len(g.nodeOrd))
	for _, e := range g.edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	return adj
}

func (g *Graph) moveAdjacency() map[string][]string {
	adj := make(map[string][]string, len(g.nodeOrd))
	for _, e := range g.edges {
		if e.Mode != landscape.ModeMove {
			continue
		}

		adj[e.From] = append(adj[e.From], e.To)
	}

	return adj
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
