package pruning

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/marsStoneS/quickrank/data"
	"github.com/marsStoneS/quickrank/linear"
	"github.com/marsStoneS/quickrank/metric"
	"github.com/marsStoneS/quickrank/tree"
)

// stump builds a one-split tree on feature 0.
func stump(threshold, lo, hi float64) *tree.RegressionTree {
	return &tree.RegressionTree{Nodes: []tree.Node{
		{Feature: 0, Threshold: threshold, Left: 1, Right: 2},
		{Feature: -1, Left: tree.NoNode, Right: tree.NoNode, Output: lo},
		{Feature: -1, Left: tree.NoNode, Right: tree.NoNode, Output: hi},
	}}
}

func createTestEnsemble(t *testing.T, n int) *tree.Ensemble {
	t.Helper()
	e := tree.NewEnsemble(n)
	for i := 0; i < n; i++ {
		if err := e.Push(stump(float64(i+1), 0.5, 1), 1); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	return e
}

func createTestDataset(t *testing.T) *data.Dataset {
	t.Helper()
	features := mat.NewDense(6, 1, []float64{1, 3, 5, 2, 4, 6})
	labels := []float64{0, 1, 2, 0, 1, 2}
	qids := []int{0, 0, 0, 1, 1, 1}
	ds, err := data.FromMatrix(features, labels, qids)
	if err != nil {
		t.Fatalf("FromMatrix: %v", err)
	}
	return ds
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("QUALITY_LOSS")
	if err != nil {
		t.Fatalf("ParseMethod: %v", err)
	}
	if m != QualityLoss || m.String() != "QUALITY_LOSS" {
		t.Fatalf("got %v", m)
	}
	if !m.RequiresLineSearch() {
		t.Fatal("QUALITY_LOSS needs informative weights")
	}
	if _, err := ParseMethod("HALVING"); err == nil {
		t.Fatal("expected an error for an unknown method")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Last, 0, nil, 1); err == nil {
		t.Fatal("expected an error for a non-positive rate")
	}
	if _, err := New(LowWeights, 0.5, nil, 1); err == nil {
		t.Fatal("expected an error for a missing line search")
	}
}

func TestLastPruningFractionRate(t *testing.T) {
	e := createTestEnsemble(t, 10)
	p, err := New(Last, 0.5, nil, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Prune(e, createTestDataset(t), nil, metric.NewNDCG(10)); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	for i := 0; i < 5; i++ {
		if e.Weight(i) != 1 {
			t.Fatalf("surviving tree %d has weight %g", i, e.Weight(i))
		}
	}
	for i := 5; i < 10; i++ {
		if e.Weight(i) != 0 {
			t.Fatalf("tree %d should be pruned, weight %g", i, e.Weight(i))
		}
	}
	e.FilterOutZeroWeightedTrees()
	if e.Size() != 5 {
		t.Fatalf("expected 5 surviving trees, got %d", e.Size())
	}
}

func TestAbsoluteRatePrunesExactCount(t *testing.T) {
	e := createTestEnsemble(t, 10)
	p, err := New(Last, 3, nil, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Prune(e, createTestDataset(t), nil, metric.NewNDCG(10)); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	zeros := 0
	for i := 0; i < e.Size(); i++ {
		if e.Weight(i) == 0 {
			zeros++
		}
	}
	if zeros != 3 {
		t.Fatalf("expected exactly 3 pruned trees, got %d", zeros)
	}
}

func TestPruneRefusesToEmptyEnsemble(t *testing.T) {
	e := createTestEnsemble(t, 2)
	p, err := New(Last, 5, nil, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Prune(e, createTestDataset(t), nil, metric.NewNDCG(10)); err == nil {
		t.Fatal("pruning more trees than the ensemble holds must fail")
	}
	for i := 0; i < e.Size(); i++ {
		if e.Weight(i) != 1 {
			t.Fatalf("a failed prune must not touch the weights, tree %d has %g", i, e.Weight(i))
		}
	}
}

func TestRandomPruningIsSeeded(t *testing.T) {
	run := func() []float64 {
		e := createTestEnsemble(t, 8)
		p, err := New(Random, 0.25, nil, 7)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := p.Prune(e, createTestDataset(t), nil, metric.NewNDCG(10)); err != nil {
			t.Fatalf("Prune: %v", err)
		}
		return e.Weights()
	}
	first, second := run(), run()
	zeros := 0
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("two runs with the same seed pruned different trees: %v vs %v", first, second)
		}
		if first[i] == 0 {
			zeros++
		}
	}
	if zeros != 2 {
		t.Fatalf("expected 2 pruned trees, got %d", zeros)
	}
}

func TestSkipPruningKeepsEvenCoverage(t *testing.T) {
	pruned := skipPruning(6, 3)
	want := []int{1, 3, 5}
	if len(pruned) != len(want) {
		t.Fatalf("pruned %v, want %v", pruned, want)
	}
	for i := range want {
		if pruned[i] != want[i] {
			t.Fatalf("pruned %v, want %v", pruned, want)
		}
	}
}

func TestLowWeightsPruningDropsSmallest(t *testing.T) {
	p := &Pruner{weights: []float64{0.5, 0.1, 0.9, 0.2}}
	pruned := p.lowWeightsPruning(2)
	if len(pruned) != 2 || pruned[0] != 1 || pruned[1] != 3 {
		t.Fatalf("pruned %v, want [1 3]", pruned)
	}
}

func TestScoreLossPruningUsesAbsoluteContribution(t *testing.T) {
	// feature 1 swings hardest even though its signed sum cancels
	pred := data.NewDataset(3)
	rows := [][]float64{
		{0.1, 5, 1},
		{0.1, -5, 1},
		{0.1, 5, 1},
		{0.1, -5, 1},
	}
	for i, row := range rows {
		if err := pred.AddInstance(0, float64(i%2), row); err != nil {
			t.Fatalf("AddInstance: %v", err)
		}
	}
	p := &Pruner{weights: []float64{1, 1, 1}}
	pruned := p.scoreLossPruning(pred, 2)
	if len(pruned) != 2 || pruned[0] != 0 || pruned[1] != 2 {
		t.Fatalf("pruned %v, want the two weakest contributors [0 2]", pruned)
	}
}

func TestQualityLossPruningKeepsUsefulTree(t *testing.T) {
	// without feature 0 the remaining columns invert the ranking
	pred := data.NewDataset(3)
	rows := [][]float64{
		{0, 3, 3},
		{10, 2, 2},
		{20, 1, 1},
	}
	for i, row := range rows {
		if err := pred.AddInstance(0, float64(i), row); err != nil {
			t.Fatalf("AddInstance: %v", err)
		}
	}
	p := &Pruner{weights: []float64{1, 1, 1}}
	pruned := p.qualityLossPruning(pred, metric.NewNDCG(10), 2)
	for _, idx := range pruned {
		if idx == 0 {
			t.Fatal("the only tree ranking correctly must survive")
		}
	}
}

func TestPruneWithLineSearchRefitsSurvivors(t *testing.T) {
	e := createTestEnsemble(t, 4)
	search, err := linear.New(linear.DefaultConfig())
	if err != nil {
		t.Fatalf("linear.New: %v", err)
	}
	p, err := New(LowWeights, 0.5, search, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ds := createTestDataset(t)
	if err := p.Prune(e, ds, nil, metric.NewNDCG(10)); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	zeros, positive := 0, 0
	for i := 0; i < e.Size(); i++ {
		switch w := e.Weight(i); {
		case w == 0:
			zeros++
		case w > 0:
			positive++
		default:
			t.Fatalf("tree %d has negative weight %g", i, e.Weight(i))
		}
	}
	if zeros != 2 {
		t.Fatalf("expected 2 pruned trees, got %d", zeros)
	}
	if positive != 2 {
		t.Fatalf("expected 2 refit survivors, got %d", positive)
	}

	// the installed weights match the pruner's report
	weights := p.Weights()
	for i := 0; i < e.Size(); i++ {
		if math.Abs(weights[i]-e.Weight(i)) > 1e-12 {
			t.Fatalf("tree %d: reported weight %g, installed %g", i, weights[i], e.Weight(i))
		}
	}
}
