package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rendis/nodeflow/pkg/schema"
)

// --- helpers ---

func node(id string, inputs ...string) schema.Node {
	return schema.Node{ID: id, Type: schema.NodeTypeTransform, Inputs: inputs}
}

func edge(src, dst string) schema.Edge {
	return schema.Edge{ID: src + "-" + dst, Source: src, Target: dst}
}

func assertError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FlowError, got %T: %v", err, err)
	}
	if fe.Code != expectedCode {
		t.Errorf("expected code %s, got %s: %s", expectedCode, fe.Code, fe.Message)
	}
}

// assertEdgeOrder checks that every edge's source lands in an earlier stage.
func assertEdgeOrder(t *testing.T, plan *StagePlan, edges []schema.Edge) {
	t.Helper()
	for _, e := range edges {
		if plan.StageIndex[e.Source] >= plan.StageIndex[e.Target] {
			t.Errorf("edge %s->%s: source stage %d not before target stage %d",
				e.Source, e.Target, plan.StageIndex[e.Source], plan.StageIndex[e.Target])
		}
	}
}

// --- graph structure tests ---

func TestValidateGraph_Diamond(t *testing.T) {
	nodes := []schema.Node{node("D"), node("C"), node("B"), node("A")}
	edges := []schema.Edge{edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")}

	plan, err := ValidateGraph(nodes, edges)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if diff := cmp.Diff(want, plan.Stages); diff != "" {
		t.Errorf("stage plan mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"B", "C"}, plan.Predecessors["D"]); diff != "" {
		t.Errorf("predecessors of D (-want +got):\n%s", diff)
	}
	assertEdgeOrder(t, plan, edges)
}

func TestValidateGraph_LinearChain(t *testing.T) {
	nodes := []schema.Node{node("a"), node("b"), node("c")}
	edges := []schema.Edge{edge("b", "c"), edge("a", "b")}

	plan, err := ValidateGraph(nodes, edges)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([][]string{{"a"}, {"b"}, {"c"}}, plan.Stages); diff != "" {
		t.Errorf("stage plan mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateGraph_UnevenDepth(t *testing.T) {
	// a → b → c → e, a → d → e: e waits for the longest path.
	nodes := []schema.Node{node("a"), node("b"), node("c"), node("d"), node("e")}
	edges := []schema.Edge{edge("a", "b"), edge("b", "c"), edge("c", "e"), edge("a", "d"), edge("d", "e")}

	plan, err := ValidateGraph(nodes, edges)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [][]string{{"a"}, {"b", "d"}, {"c"}, {"e"}}
	if diff := cmp.Diff(want, plan.Stages); diff != "" {
		t.Errorf("stage plan mismatch (-want +got):\n%s", diff)
	}
	assertEdgeOrder(t, plan, edges)
}

func TestValidateGraph_DisconnectedNodes(t *testing.T) {
	plan, err := ValidateGraph([]schema.Node{node("z"), node("y"), node("x")}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([][]string{{"x", "y", "z"}}, plan.Stages); diff != "" {
		t.Errorf("stage plan mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateGraph_ParallelEdgesBetweenSamePair(t *testing.T) {
	nodes := []schema.Node{node("a"), node("b")}
	edges := []schema.Edge{
		{ID: "e1", Source: "a", Target: "b", Mapping: map[string]string{"x": "x"}},
		{ID: "e2", Source: "a", Target: "b", Mapping: map[string]string{"y": "y"}},
	}
	plan, err := ValidateGraph(nodes, edges)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([][]string{{"a"}, {"b"}}, plan.Stages); diff != "" {
		t.Errorf("stage plan mismatch (-want +got):\n%s", diff)
	}
	if got := plan.Predecessors["b"]; len(got) != 1 {
		t.Errorf("expected one unique predecessor, got %v", got)
	}
}

// Randomised DAGs: edges only go from lower to higher index, so the graph is
// acyclic by construction regardless of declaration order.
func TestValidateGraph_RandomDAGsRespectEdgeOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 50; iter++ {
		n := 2 + rng.Intn(15)
		nodes := make([]schema.Node, n)
		for i := range nodes {
			nodes[i] = node(fmt.Sprintf("n%02d", i))
		}
		var edges []schema.Edge
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rng.Intn(4) == 0 {
					edges = append(edges, edge(nodes[i].ID, nodes[j].ID))
				}
			}
		}
		rng.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })

		plan, err := ValidateGraph(nodes, edges)
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", iter, err)
		}
		assertEdgeOrder(t, plan, edges)

		total := 0
		for _, s := range plan.Stages {
			total += len(s)
		}
		if total != n {
			t.Fatalf("iteration %d: plan covers %d nodes, want %d", iter, total, n)
		}
	}
}

// --- rejection tests ---

func TestValidateGraph_EmptyWorkflow(t *testing.T) {
	_, err := ValidateGraph(nil, nil)
	assertError(t, err, schema.ErrCodeEmptyWorkflow)
	if !schema.IsValidation(err) {
		t.Error("empty workflow should be a validation error")
	}
}

func TestValidateGraph_EmptyNodeID(t *testing.T) {
	_, err := ValidateGraph([]schema.Node{node("")}, nil)
	assertError(t, err, schema.ErrCodeValidation)
}

func TestValidateGraph_DuplicateNodeIDs(t *testing.T) {
	_, err := ValidateGraph([]schema.Node{node("a"), node("a")}, nil)
	assertError(t, err, schema.ErrCodeValidation)
}

func TestValidateGraph_MissingType(t *testing.T) {
	_, err := ValidateGraph([]schema.Node{{ID: "a"}}, nil)
	assertError(t, err, schema.ErrCodeValidation)
}

func TestValidateGraph_DanglingEdge(t *testing.T) {
	tests := []struct {
		name    string
		edge    schema.Edge
		missing string
	}{
		{"unknown target", edge("a", "ghost"), "ghost"},
		{"unknown source", edge("ghost", "a"), "ghost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateGraph([]schema.Node{node("a")}, []schema.Edge{tt.edge})
			assertError(t, err, schema.ErrCodeDanglingEdge)
			var fe *schema.FlowError
			errors.As(err, &fe)
			if fe.Details["missing"] != tt.missing {
				t.Errorf("expected missing=%s, got %v", tt.missing, fe.Details["missing"])
			}
		})
	}
}

func TestValidateGraph_Cycles(t *testing.T) {
	tests := []struct {
		name  string
		nodes []schema.Node
		edges []schema.Edge
	}{
		{"self loop", []schema.Node{node("a")}, []schema.Edge{edge("a", "a")}},
		{"two node", []schema.Node{node("a"), node("b")}, []schema.Edge{edge("a", "b"), edge("b", "a")}},
		{
			"cycle downstream of root",
			[]schema.Node{node("a"), node("b"), node("c"), node("d")},
			[]schema.Edge{edge("a", "b"), edge("b", "c"), edge("c", "d"), edge("d", "b")},
		},
		{
			"cycle in disconnected subgraph",
			[]schema.Node{node("a"), node("b"), node("x"), node("y"), node("z")},
			[]schema.Edge{edge("a", "b"), edge("x", "y"), edge("y", "z"), edge("z", "x")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateGraph(tt.nodes, tt.edges)
			assertError(t, err, schema.ErrCodeCycleDetected)
		})
	}
}

func TestValidateGraph_CycleDetailsNameNodes(t *testing.T) {
	nodes := []schema.Node{node("a"), node("b"), node("c"), node("d")}
	edges := []schema.Edge{edge("a", "b"), edge("b", "c"), edge("c", "d"), edge("d", "b")}

	_, err := ValidateGraph(nodes, edges)
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FlowError, got %v", err)
	}
	want := []string{"b", "c", "d", "b"}
	if diff := cmp.Diff(want, fe.Details["cycle"]); diff != "" {
		t.Errorf("cycle mismatch (-want +got):\n%s", diff)
	}
}

// Adding a back edge anywhere in a random DAG must always be rejected.
func TestValidateGraph_RandomBackEdgeAlwaysRejected(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 50; iter++ {
		n := 2 + rng.Intn(10)
		nodes := make([]schema.Node, n)
		var edges []schema.Edge
		for i := range nodes {
			nodes[i] = node(fmt.Sprintf("n%02d", i))
			if i > 0 {
				edges = append(edges, edge(nodes[i-1].ID, nodes[i].ID))
			}
		}
		from := rng.Intn(n)
		to := rng.Intn(from + 1)
		edges = append(edges, edge(nodes[from].ID, nodes[to].ID))
		rng.Shuffle(len(edges), func(i, j int) { edges[i], edges[j] = edges[j], edges[i] })

		_, err := ValidateGraph(nodes, edges)
		assertError(t, err, schema.ErrCodeCycleDetected)
	}
}

// --- binding tests ---

func TestCheckBindings(t *testing.T) {
	nodes := []schema.Node{
		node("fetch", "url"),
		node("parse", "fetch"),
		node("store", "doc", "bucket"),
	}
	edges := []schema.Edge{
		edge("fetch", "parse"),
		{ID: "p-s", Source: "parse", Target: "store", Mapping: map[string]string{"body": "doc"}},
	}
	plan, err := ValidateGraph(nodes, edges)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := CheckBindings(plan, map[string]any{"url": "http://x", "bucket": "b"}); err != nil {
		t.Fatalf("expected bindings to resolve, got %v", err)
	}

	err = CheckBindings(plan, map[string]any{"url": "http://x"})
	assertError(t, err, schema.ErrCodeMissingInput)
	var fe *schema.FlowError
	errors.As(err, &fe)
	if fe.NodeID != "store" || fe.Details["input"] != "bucket" {
		t.Errorf("expected store/bucket, got %s/%v", fe.NodeID, fe.Details["input"])
	}
}

func TestEdgeSlots(t *testing.T) {
	if diff := cmp.Diff([]string{"a"}, EdgeSlots(edge("a", "b"))); diff != "" {
		t.Errorf("default slot (-want +got):\n%s", diff)
	}
	e := schema.Edge{Source: "a", Target: "b", Mapping: map[string]string{"x": "left", "*": "all"}}
	if diff := cmp.Diff([]string{"all", "left"}, EdgeSlots(e)); diff != "" {
		t.Errorf("mapped slots (-want +got):\n%s", diff)
	}
}
