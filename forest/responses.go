package forest

import (
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/marsStoneS/quickrank/data"
	"github.com/marsStoneS/quickrank/metric"
)

// ResponseStrategy turns the current model scores into per-instance
// regression targets for the next tree. A non-nil weights result
// feeds the Newton-step leaf re-estimation; nil keeps plain means.
type ResponseStrategy interface {
	Name() string
	ComputeResponses(ds *data.Dataset, scorer metric.Metric, scores []float64, presence []bool) (pseudo, weights []float64)
}

// residualResponses is the MART strategy: the squared-loss negative
// gradient, label minus current score.
type residualResponses struct{}

func (residualResponses) Name() string { return "residual" }

func (residualResponses) ComputeResponses(ds *data.Dataset, _ metric.Metric, scores []float64, presence []bool) ([]float64, []float64) {
	pseudo := make([]float64, ds.NumInstances())
	for i := range pseudo {
		if presence != nil && !presence[i] {
			continue
		}
		pseudo[i] = ds.Label(i) - scores[i]
	}
	return pseudo, nil
}

// labelResponses is the random-forest strategy: every tree regresses
// the raw labels, ignoring the current scores.
type labelResponses struct{}

func (labelResponses) Name() string { return "label" }

func (labelResponses) ComputeResponses(ds *data.Dataset, _ metric.Metric, _ []float64, presence []bool) ([]float64, []float64) {
	pseudo := make([]float64, ds.NumInstances())
	for i := range pseudo {
		if presence != nil && !presence[i] {
			continue
		}
		pseudo[i] = ds.Label(i)
	}
	return pseudo, nil
}

// lambdaResponses is the LambdaMART strategy: pairwise lambdas scaled
// by the metric's swap deltas, with the matching second-order weights
// for the Newton leaf update.
type lambdaResponses struct {
	workers int
}

func (lambdaResponses) Name() string { return "lambda" }

func (l lambdaResponses) ComputeResponses(ds *data.Dataset, scorer metric.Metric, scores []float64, presence []bool) ([]float64, []float64) {
	n := ds.NumInstances()
	pseudo := make([]float64, n)
	weights := make([]float64, n)

	var g errgroup.Group
	if l.workers > 0 {
		g.SetLimit(l.workers)
	}
	for q := 0; q < ds.NumQueries(); q++ {
		q := q
		g.Go(func() error {
			start, end := ds.Offset(q), ds.Offset(q+1)
			labels := ds.Labels()[start:end]
			deltas := scorer.SwapDeltas(labels, scores[start:end])
			for i := 0; i < len(labels); i++ {
				if presence != nil && !presence[start+i] {
					continue
				}
				for j := 0; j < len(labels); j++ {
					if labels[i] <= labels[j] {
						continue
					}
					if presence != nil && !presence[start+j] {
						continue
					}
					delta := deltas.At(i, j)
					if delta == 0 {
						continue
					}
					rho := 1 / (1 + math.Exp(scores[start+i]-scores[start+j]))
					lambda := rho * delta
					hessian := rho * (1 - rho) * delta
					pseudo[start+i] += lambda
					pseudo[start+j] -= lambda
					weights[start+i] += hessian
					weights[start+j] += hessian
				}
			}
			return nil
		})
	}
	g.Wait()
	return pseudo, weights
}
