package metric

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/marsStoneS/quickrank/data"
)

// NDCG is the normalized discounted cumulative gain at a rank cutoff.
// Cutoff 0 scores the whole ranked list.
type NDCG struct {
	Cutoff int
}

// NewNDCG returns an NDCG@cutoff scorer.
func NewNDCG(cutoff int) *NDCG {
	return &NDCG{Cutoff: cutoff}
}

func (n *NDCG) Name() string { return "NDCG" }

func gain(label float64) float64 {
	return math.Exp2(label) - 1
}

func discount(rank int) float64 {
	return 1 / math.Log2(float64(rank)+2)
}

func (n *NDCG) cut(size int) int {
	if n.Cutoff <= 0 || n.Cutoff > size {
		return size
	}
	return n.Cutoff
}

// rankedIndex returns document indices sorted by descending score.
// Ties keep document order so that scoring is deterministic.
func rankedIndex(scores []float64) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	return idx
}

func (n *NDCG) idealDCG(labels []float64) float64 {
	sorted := append([]float64(nil), labels...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	dcg := 0.0
	for rank := 0; rank < n.cut(len(sorted)); rank++ {
		dcg += gain(sorted[rank]) * discount(rank)
	}
	return dcg
}

// EvaluateQuery returns NDCG@cutoff for one query. A query with no
// relevant document has zero ideal gain and scores zero.
func (n *NDCG) EvaluateQuery(labels, scores []float64) float64 {
	ideal := n.idealDCG(labels)
	if ideal <= 0 {
		return 0
	}
	idx := rankedIndex(scores)
	dcg := 0.0
	for rank := 0; rank < n.cut(len(idx)); rank++ {
		dcg += gain(labels[idx[rank]]) * discount(rank)
	}
	return dcg / ideal
}

// Evaluate returns the mean NDCG@cutoff over all queries.
func (n *NDCG) Evaluate(ds *data.Dataset, scores []float64) float64 {
	return EvaluateMean(n, ds, scores)
}

// SwapDeltas returns |ΔNDCG| for swapping the ranked positions of
// every document pair of one query.
func (n *NDCG) SwapDeltas(labels, scores []float64) *mat.Dense {
	size := len(labels)
	deltas := mat.NewDense(size, size, nil)
	ideal := n.idealDCG(labels)
	if ideal <= 0 {
		return deltas
	}
	idx := rankedIndex(scores)
	rankOf := make([]int, size)
	for rank, doc := range idx {
		rankOf[doc] = rank
	}
	cut := n.cut(size)
	for i := 0; i < size; i++ {
		for j := i + 1; j < size; j++ {
			di, dj := 0.0, 0.0
			if rankOf[i] < cut {
				di = discount(rankOf[i])
			}
			if rankOf[j] < cut {
				dj = discount(rankOf[j])
			}
			delta := math.Abs((gain(labels[i]) - gain(labels[j])) * (di - dj) / ideal)
			deltas.Set(i, j, delta)
			deltas.Set(j, i, delta)
		}
	}
	return deltas
}
