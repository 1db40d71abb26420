package flow

import "fmt"

// CompiledTransition is an Edge resolved for execution: Eval is nil for
// success/error edges (the run loop picks them by Type alone) and a
// closure over the authored Condition for conditional edges.
type CompiledTransition struct {
	To   string
	Type EdgeType
	Eval func(FlowRuntimeContext) bool
}

// CompiledNode is a Node resolved for execution.
type CompiledNode struct {
	ID          string
	Type        NodeType
	Capability  string
	Check       *Condition
	Params      map[string]string
	Transitions []CompiledTransition
}

// CompiledPlan is a GraphDefinition resolved to a key-indexed, ready to
// execute form.
type CompiledPlan struct {
	FlowID  string
	Version int
	Start   string
	Nodes   map[string]CompiledNode
}

// Compile resolves a GraphDefinition into a CompiledPlan, validating that
// every node type is known, exactly one start node exists, and every edge
// targets a node that actually exists in the graph.
func Compile(def GraphDefinition) (*CompiledPlan, error) {
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("flow: graph %q has no nodes", def.FlowID)
	}

	nodes := make(map[string]CompiledNode, len(def.Nodes))
	start := ""
	for _, n := range def.Nodes {
		if _, err := n.Type.categoryOrErr(); err != nil {
			return nil, fmt.Errorf("flow: node %q: %w", n.ID, err)
		}
		if n.Type == NodeStart {
			if start != "" {
				return nil, fmt.Errorf("flow: graph %q has more than one start node", def.FlowID)
			}
			start = n.ID
		}

		transitions := make([]CompiledTransition, 0, len(n.Edges))
		for _, e := range n.Edges {
			var eval func(FlowRuntimeContext) bool
			if e.Type == EdgeConditional {
				if e.Condition == nil {
					return nil, fmt.Errorf("flow: node %q has a conditional edge with no condition", n.ID)
				}
				cond := *e.Condition
				eval = cond.Evaluate
			}
			transitions = append(transitions, CompiledTransition{To: e.To, Type: e.Type, Eval: eval})
		}

		nodes[n.ID] = CompiledNode{
			ID:          n.ID,
			Type:        n.Type,
			Capability:  n.Capability,
			Check:       n.Check,
			Params:      n.Params,
			Transitions: transitions,
		}
	}
	if start == "" {
		return nil, fmt.Errorf("flow: graph %q has no start node", def.FlowID)
	}
	for id, n := range nodes {
		for _, tr := range n.Transitions {
			if _, ok := nodes[tr.To]; !ok {
				return nil, fmt.Errorf("flow: node %q has a transition to unknown node %q", id, tr.To)
			}
		}
	}

	return &CompiledPlan{FlowID: def.FlowID, Version: def.Version, Start: start, Nodes: nodes}, nil
}

// pickTransition chooses the node's next target. Conditional edges are
// evaluated first, in authored order, regardless of the requested
// outcome — this is how decision/switch/policy_check nodes branch purely
// on data. Failing any conditional match, the first edge typed outcome
// wins, which is how check/action/side-effect nodes pick between their
// success and error edges.
func pickTransition(node CompiledNode, outcome EdgeType, ctx FlowRuntimeContext) (string, bool) {
	for _, tr := range node.Transitions {
		if tr.Type == EdgeConditional && tr.Eval != nil && tr.Eval(ctx) {
			return tr.To, true
		}
	}
	for _, tr := range node.Transitions {
		if tr.Type == outcome {
			return tr.To, true
		}
	}
	return "", false
}
