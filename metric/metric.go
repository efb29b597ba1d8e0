// Package metric defines the scoring contract the training loop
// optimizes against. A metric scores a dataset given per-instance
// predictions and exposes pairwise swap deltas, which is all the
// boosting code needs to derive pseudo-responses. Evaluate must be
// safe to call concurrently against different score buffers.
package metric

import (
	"gonum.org/v1/gonum/mat"

	"github.com/marsStoneS/quickrank/data"
)

// Metric scores ranked lists.
type Metric interface {
	Name() string

	// Evaluate returns the mean per-query metric over the dataset,
	// with instances ranked by descending score.
	Evaluate(ds *data.Dataset, scores []float64) float64

	// EvaluateQuery scores one query given its labels and scores.
	EvaluateQuery(labels, scores []float64) float64

	// SwapDeltas returns the symmetric matrix of absolute metric
	// changes obtained by swapping the ranked positions of documents
	// i and j of a single query. Indices are document positions
	// within the query, not ranks.
	SwapDeltas(labels, scores []float64) *mat.Dense
}

// EvaluateMean averages EvaluateQuery over every query of ds. Shared
// by metric implementations.
func EvaluateMean(m Metric, ds *data.Dataset, scores []float64) float64 {
	nq := ds.NumQueries()
	if nq == 0 {
		return 0
	}
	sum := 0.0
	for q := 0; q < nq; q++ {
		start, end := ds.Offset(q), ds.Offset(q+1)
		sum += m.EvaluateQuery(ds.Labels()[start:end], scores[start:end])
	}
	return sum / float64(nq)
}
