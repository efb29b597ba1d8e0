// Package linear holds the coordinate-descent weight optimizer used
// to re-fit ensemble weights without touching tree structure.
package linear

import (
	"fmt"
	"math"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marsStoneS/quickrank/data"
	"github.com/marsStoneS/quickrank/metric"
)

// Config are the line-search hyperparameters. One iteration sweeps
// every coordinate once; the probe window shrinks by Reduction after
// each sweep.
type Config struct {
	Iterations    int     `yaml:"iterations" json:"iterations"`
	Points        int     `yaml:"points" json:"points"`
	Window        float64 `yaml:"window" json:"window"`
	Reduction     float64 `yaml:"reduction" json:"reduction"`
	EarlyStopping int     `yaml:"early_stopping_rounds" json:"early_stopping_rounds"`
	Workers       int     `yaml:"workers" json:"workers"`
}

func DefaultConfig() Config {
	return Config{
		Iterations: 100,
		Points:     20,
		Window:     2.0,
		Reduction:  0.95,
	}
}

func (c *Config) Validate() error {
	if c.Iterations <= 0 {
		return fmt.Errorf("linear: iterations must be positive, got %d", c.Iterations)
	}
	if c.Points <= 0 {
		return fmt.Errorf("linear: points must be positive, got %d", c.Points)
	}
	if c.Window <= 0 {
		return fmt.Errorf("linear: window must be positive, got %g", c.Window)
	}
	if c.Reduction <= 0 || c.Reduction > 1 {
		return fmt.Errorf("linear: reduction must be in (0, 1], got %g", c.Reduction)
	}
	return nil
}

// LineSearch optimizes one weight per dataset feature by probing a
// shrinking window of candidate values around the current weight and
// keeping the one maximizing the metric.
type LineSearch struct {
	cfg     Config
	weights []float64
	log     *zap.SugaredLogger
}

func New(cfg Config) (*LineSearch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LineSearch{cfg: cfg, log: zap.NewNop().Sugar()}, nil
}

// SetLogger replaces the no-op default logger.
func (ls *LineSearch) SetLogger(log *zap.SugaredLogger) {
	if log != nil {
		ls.log = log
	}
}

// Weights returns the learned weight per feature, nil before Learn.
func (ls *LineSearch) Weights() []float64 {
	return append([]float64(nil), ls.weights...)
}

// SetWeights installs previously learned weights, so a caller can
// skip the optimization when a saved model already carries them.
func (ls *LineSearch) SetWeights(w []float64) {
	ls.weights = append([]float64(nil), w...)
}

// Learn resets the weights to 1 and runs coordinate descent on the
// training set. With a validation set the best sweep is kept and
// sweeps stop early once the validation metric stalls.
func (ls *LineSearch) Learn(train, valid *data.Dataset, scorer metric.Metric) error {
	if train == nil || train.NumInstances() == 0 {
		return fmt.Errorf("linear: empty training dataset")
	}
	if scorer == nil {
		return fmt.Errorf("linear: a metric is required")
	}

	nfeatures := train.NumFeatures()
	ls.weights = make([]float64, nfeatures)
	for f := range ls.weights {
		ls.weights[f] = 1
	}

	scores := ls.scoreAll(train)
	bestMetric := math.Inf(-1)
	bestWeights := ls.Weights()
	bestSweep := 0

	window := ls.cfg.Window
	for sweep := 0; sweep < ls.cfg.Iterations; sweep++ {
		if valid != nil && ls.cfg.EarlyStopping > 0 &&
			sweep > bestSweep+ls.cfg.EarlyStopping {
			break
		}

		for f := 0; f < nfeatures; f++ {
			if err := ls.optimizeCoordinate(train, scorer, scores, f, window); err != nil {
				return err
			}
		}
		window *= ls.cfg.Reduction

		current := scorer.Evaluate(train, scores)
		if valid != nil {
			current = scorer.Evaluate(valid, ls.scoreAll(valid))
		}
		if current > bestMetric {
			bestMetric = current
			bestWeights = ls.Weights()
			bestSweep = sweep
		}
		ls.log.Debugw("line search sweep",
			"sweep", sweep+1, "window", window, "metric", current)
	}

	ls.weights = bestWeights
	ls.log.Infow("line search finished", "metric", bestMetric)
	return nil
}

// optimizeCoordinate probes candidate values for weight f and keeps
// the best, updating the cached scores in place.
func (ls *LineSearch) optimizeCoordinate(ds *data.Dataset, scorer metric.Metric,
	scores []float64, f int, window float64) error {

	n := ds.NumInstances()
	column := make([]float64, n)
	partial := make([]float64, n)
	current := ls.weights[f]
	for i := 0; i < n; i++ {
		column[i] = ds.Feature(i, f)
		partial[i] = scores[i] - current*column[i]
	}

	step := 2 * window / float64(ls.cfg.Points)
	var candidates []float64
	for w := current - window; w <= current+window; w += step {
		if w >= 0 {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	metrics := make([]float64, len(candidates))
	var g errgroup.Group
	workers := ls.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g.SetLimit(workers)
	for c := range candidates {
		c := c
		g.Go(func() error {
			probe := make([]float64, n)
			for i := 0; i < n; i++ {
				probe[i] = partial[i] + candidates[c]*column[i]
			}
			metrics[c] = scorer.Evaluate(ds, probe)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	best := 0
	for c := range metrics {
		if metrics[c] > metrics[best] {
			best = c
		}
	}
	ls.weights[f] = candidates[best]
	for i := 0; i < n; i++ {
		scores[i] = partial[i] + candidates[best]*column[i]
	}
	return nil
}

// scoreAll computes the weighted feature sum per instance.
func (ls *LineSearch) scoreAll(ds *data.Dataset) []float64 {
	n := ds.NumInstances()
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		s := 0.0
		for f := 0; f < ds.NumFeatures(); f++ {
			s += ls.weights[f] * ds.Feature(i, f)
		}
		scores[i] = s
	}
	return scores
}
