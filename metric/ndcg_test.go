package metric

import (
	"math"
	"testing"

	"github.com/marsStoneS/quickrank/data"
)

func TestEvaluateQueryPerfectRanking(t *testing.T) {
	n := NewNDCG(10)
	labels := []float64{2, 1, 0}
	scores := []float64{3, 2, 1}
	if got := n.EvaluateQuery(labels, scores); math.Abs(got-1) > 1e-12 {
		t.Fatalf("perfect ranking should score 1, got %g", got)
	}
}

func TestEvaluateQueryInvertedPair(t *testing.T) {
	n := NewNDCG(10)
	// ideal DCG is gain(1)/log2(2) == 1; the inverted ranking puts
	// the relevant document at rank 1
	labels := []float64{1, 0}
	scores := []float64{0, 1}
	want := 1 / math.Log2(3)
	if got := n.EvaluateQuery(labels, scores); math.Abs(got-want) > 1e-12 {
		t.Fatalf("expected %g, got %g", want, got)
	}
}

func TestEvaluateQueryNoRelevantDocuments(t *testing.T) {
	n := NewNDCG(10)
	labels := []float64{0, 0, 0}
	scores := []float64{3, 2, 1}
	if got := n.EvaluateQuery(labels, scores); got != 0 {
		t.Fatalf("query with zero ideal gain should score 0, got %g", got)
	}
}

func TestCutoffLimitsDCG(t *testing.T) {
	full := NewNDCG(0)
	top1 := NewNDCG(1)
	labels := []float64{0, 2}
	scores := []float64{2, 1} // relevant document at rank 2

	if got := top1.EvaluateQuery(labels, scores); got != 0 {
		t.Fatalf("NDCG@1 should ignore rank 2, got %g", got)
	}
	if got := full.EvaluateQuery(labels, scores); got <= 0 {
		t.Fatalf("uncut NDCG should see rank 2, got %g", got)
	}
}

func TestEvaluateAveragesQueries(t *testing.T) {
	n := NewNDCG(10)
	d := data.NewDataset(1)
	// first query ranked perfectly, second has no relevant document
	rows := []struct {
		qid   int
		label float64
	}{
		{0, 2}, {0, 0},
		{1, 0}, {1, 0},
	}
	for _, r := range rows {
		if err := d.AddInstance(r.qid, r.label, []float64{0}); err != nil {
			t.Fatalf("AddInstance: %v", err)
		}
	}
	scores := []float64{2, 1, 2, 1}
	if got := n.Evaluate(d, scores); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("expected mean 0.5, got %g", got)
	}
}

func TestSwapDeltas(t *testing.T) {
	n := NewNDCG(10)
	labels := []float64{2, 1, 0}
	scores := []float64{3, 2, 1}

	deltas := n.SwapDeltas(labels, scores)
	size, _ := deltas.Dims()
	for i := 0; i < size; i++ {
		if deltas.At(i, i) != 0 {
			t.Fatalf("diagonal must be zero, got %g at %d", deltas.At(i, i), i)
		}
		for j := 0; j < size; j++ {
			if deltas.At(i, j) != deltas.At(j, i) {
				t.Fatalf("deltas not symmetric at (%d,%d)", i, j)
			}
			if deltas.At(i, j) < 0 {
				t.Fatalf("negative delta at (%d,%d)", i, j)
			}
		}
	}

	// swapping documents 0 and 2 flips a gain difference of
	// gain(2)-gain(0) == 3 across discounts 1 and 1/2
	ideal := 3 + 1/math.Log2(3)
	want := math.Abs(3 * (1 - 1/2.0) / ideal)
	if got := deltas.At(0, 2); math.Abs(got-want) > 1e-12 {
		t.Fatalf("expected delta %g for swap (0,2), got %g", want, got)
	}
}

func TestSwapDeltasBeyondCutoff(t *testing.T) {
	n := NewNDCG(2)
	labels := []float64{2, 1, 0, 1}
	scores := []float64{4, 3, 2, 1}
	deltas := n.SwapDeltas(labels, scores)
	// documents 2 and 3 both sit beyond the cutoff: swapping them
	// cannot move the metric
	if got := deltas.At(2, 3); got != 0 {
		t.Fatalf("expected zero delta beyond cutoff, got %g", got)
	}
}
