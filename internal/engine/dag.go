package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// StagePlan is the validated, in-memory form of a workflow graph.
// It is derived fresh from a snapshot for every execution and never persisted.
type StagePlan struct {
	Stages       [][]string              // nodes grouped by dependency depth, sorted within a stage
	Nodes        map[string]*schema.Node // node ID → definition
	Incoming     map[string][]schema.Edge
	Outgoing     map[string][]schema.Edge
	Predecessors map[string][]string // direct predecessors, sorted and unique
	StageIndex   map[string]int
}

// dfs colours for cycle detection.
const (
	white = iota
	grey
	black
)

// ValidateGraph checks the structure of a workflow graph and computes its
// stage plan. Errors are FlowErrors of the validation class: EMPTY_WORKFLOW,
// VALIDATION_ERROR (bad node ids), DANGLING_EDGE or CYCLE_DETECTED.
func ValidateGraph(nodes []schema.Node, edges []schema.Edge) (*StagePlan, error) {
	if len(nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeEmptyWorkflow, "workflow has no nodes")
	}

	plan := &StagePlan{
		Nodes:        make(map[string]*schema.Node, len(nodes)),
		Incoming:     make(map[string][]schema.Edge, len(nodes)),
		Outgoing:     make(map[string][]schema.Edge, len(nodes)),
		Predecessors: make(map[string][]string, len(nodes)),
		StageIndex:   make(map[string]int, len(nodes)),
	}
	order := make([]string, 0, len(nodes))

	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := plan.Nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", n.ID)
		}
		if n.Type == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has no type", n.ID).WithNode(n.ID)
		}
		plan.Nodes[n.ID] = n
		order = append(order, n.ID)
	}

	for _, e := range edges {
		for _, end := range []string{e.Source, e.Target} {
			if _, ok := plan.Nodes[end]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDanglingEdge,
					"edge %s references undeclared node %q", edgeName(e), end).
					WithDetails(map[string]any{"edge_id": e.ID, "missing": end})
			}
		}
		plan.Outgoing[e.Source] = append(plan.Outgoing[e.Source], e)
		plan.Incoming[e.Target] = append(plan.Incoming[e.Target], e)
	}

	for id, in := range plan.Incoming {
		seen := make(map[string]bool, len(in))
		for _, e := range in {
			if !seen[e.Source] {
				seen[e.Source] = true
				plan.Predecessors[id] = append(plan.Predecessors[id], e.Source)
			}
		}
		sort.Strings(plan.Predecessors[id])
	}

	if cycle := findCycle(order, plan.Outgoing); cycle != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"workflow contains a cycle: %s", strings.Join(cycle, " -> ")).
			WithDetails(map[string]any{"cycle": cycle})
	}

	plan.Stages = computeStages(order, plan.Incoming, plan.Outgoing)
	for i, stage := range plan.Stages {
		for _, id := range stage {
			plan.StageIndex[id] = i
		}
	}
	return plan, nil
}

// findCycle runs a three-colour depth-first traversal and returns the node
// IDs along the first back edge found, starting and ending at the same node.
func findCycle(order []string, outgoing map[string][]schema.Edge) []string {
	color := make(map[string]int, len(order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range successorIDs(outgoing[id]) {
			switch color[next] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				return append(cycle, next)
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range order {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// computeStages is a layered Kahn's algorithm: every round removes all nodes
// whose remaining in-degree is zero, and each round becomes one stage.
// The graph must already be known to be acyclic.
func computeStages(order []string, incoming, outgoing map[string][]schema.Edge) [][]string {
	inDegree := make(map[string]int, len(order))
	for _, id := range order {
		inDegree[id] = len(incoming[id])
	}

	var ready []string
	for _, id := range order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var stages [][]string
	for len(ready) > 0 {
		sort.Strings(ready)
		stages = append(stages, ready)
		var next []string
		for _, id := range ready {
			for _, e := range outgoing[id] {
				inDegree[e.Target]--
				if inDegree[e.Target] == 0 {
					next = append(next, e.Target)
				}
			}
		}
		ready = next
	}
	return stages
}

func successorIDs(out []schema.Edge) []string {
	ids := make([]string, 0, len(out))
	seen := make(map[string]bool, len(out))
	for _, e := range out {
		if !seen[e.Target] {
			seen[e.Target] = true
			ids = append(ids, e.Target)
		}
	}
	sort.Strings(ids)
	return ids
}

// CheckBindings verifies that every declared required input of every node is
// fed either by an incoming edge or by a top-level execution input.
func CheckBindings(plan *StagePlan, inputs map[string]any) error {
	for _, stage := range plan.Stages {
		for _, id := range stage {
			node := plan.Nodes[id]
			if len(node.Inputs) == 0 {
				continue
			}
			produced := make(map[string]bool)
			for _, e := range plan.Incoming[id] {
				for _, slot := range EdgeSlots(e) {
					produced[slot] = true
				}
			}
			for _, name := range node.Inputs {
				if produced[name] {
					continue
				}
				if _, ok := inputs[name]; ok {
					continue
				}
				return schema.NewErrorf(schema.ErrCodeMissingInput,
					"required input %q has no producing edge and no execution input", name).
					WithNode(id).
					WithDetails(map[string]any{"node_id": id, "input": name})
			}
		}
	}
	return nil
}

// EdgeSlots returns the target input slots an edge writes to.
func EdgeSlots(e schema.Edge) []string {
	if len(e.Mapping) == 0 {
		return []string{e.Source}
	}
	slots := make([]string, 0, len(e.Mapping))
	for _, slot := range e.Mapping {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	return slots
}

func edgeName(e schema.Edge) string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s->%s", e.Source, e.Target)
}
