// Package pruning reduces a trained ensemble to a subset of its
// trees by zeroing selected weights, optionally re-fitting the
// surviving weights with a line search.
package pruning

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/marsStoneS/quickrank/data"
	"github.com/marsStoneS/quickrank/linear"
	"github.com/marsStoneS/quickrank/metric"
	"github.com/marsStoneS/quickrank/tree"
)

// Method selects how the pruned trees are chosen.
type Method int

const (
	Random Method = iota
	LowWeights
	Skip
	Last
	QualityLoss
	ScoreLoss
)

var methodNames = map[string]Method{
	"RANDOM":       Random,
	"LOW_WEIGHTS":  LowWeights,
	"SKIP":         Skip,
	"LAST":         Last,
	"QUALITY_LOSS": QualityLoss,
	"SCORE_LOSS":   ScoreLoss,
}

func (m Method) String() string {
	for name, v := range methodNames {
		if v == m {
			return name
		}
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod resolves a pruning method name.
func ParseMethod(name string) (Method, error) {
	if m, ok := methodNames[name]; ok {
		return m, nil
	}
	return 0, fmt.Errorf("pruning: unknown method %q", name)
}

// RequiresLineSearch reports whether the method needs informative
// weights before it can rank the trees.
func (m Method) RequiresLineSearch() bool {
	return m == LowWeights || m == QualityLoss || m == ScoreLoss
}

// Pruner zeroes a configured share of an ensemble's tree weights.
// Rate below 1 is a fraction of the ensemble size, 1 or above an
// absolute tree count.
type Pruner struct {
	method Method
	rate   float64
	search *linear.LineSearch
	rng    *rand.Rand
	log    *zap.SugaredLogger

	weights []float64
}

// New builds a pruner. The line search may be nil unless the method
// requires it.
func New(method Method, rate float64, search *linear.LineSearch, seed int64) (*Pruner, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("pruning: rate must be positive, got %g", rate)
	}
	if method.RequiresLineSearch() && search == nil {
		return nil, fmt.Errorf("pruning: method %s requires a line search", method)
	}
	return &Pruner{
		method: method,
		rate:   rate,
		search: search,
		rng:    rand.New(rand.NewSource(seed)),
		log:    zap.NewNop().Sugar(),
	}, nil
}

// SetLogger replaces the no-op default logger.
func (p *Pruner) SetLogger(log *zap.SugaredLogger) {
	if log != nil {
		p.log = log
	}
}

// Weights returns the final weight per tree, nil before Prune.
func (p *Pruner) Weights() []float64 {
	return append([]float64(nil), p.weights...)
}

// Prune selects the trees to drop using the given datasets and
// installs the resulting weights on the ensemble. The ensemble is
// untouched on error.
func (p *Pruner) Prune(e *tree.Ensemble, train, valid *data.Dataset, scorer metric.Metric) error {
	if e == nil || e.Size() == 0 {
		return fmt.Errorf("pruning: empty ensemble")
	}
	if train == nil || train.NumInstances() == 0 {
		return fmt.Errorf("pruning: empty training dataset")
	}

	ntrees := e.Size()
	toPrune := int(p.rate)
	if p.rate < 1 {
		toPrune = int(math.Round(p.rate * float64(ntrees)))
	}
	if toPrune >= ntrees {
		return fmt.Errorf("pruning: cannot prune %d of %d trees", toPrune, ntrees)
	}

	// every tree becomes one feature of a prediction dataset, so the
	// policies and the line search rank plain columns
	predTrain, err := PredictionDataset(e, train)
	if err != nil {
		return err
	}
	var predValid *data.Dataset
	if valid != nil {
		if predValid, err = PredictionDataset(e, valid); err != nil {
			return err
		}
	}

	p.weights = make([]float64, ntrees)
	for t := range p.weights {
		p.weights[t] = 1
	}

	if p.method.RequiresLineSearch() {
		if len(p.search.Weights()) == 0 {
			p.log.Infow("line search before pruning")
			if err := p.search.Learn(predTrain, predValid, scorer); err != nil {
				return err
			}
		}
		copy(p.weights, p.search.Weights())
	}

	var pruned []int
	switch p.method {
	case Random:
		pruned = p.randomPruning(ntrees, toPrune)
	case LowWeights:
		pruned = p.lowWeightsPruning(toPrune)
	case Skip:
		pruned = skipPruning(ntrees, toPrune)
	case Last:
		pruned = lastPruning(ntrees, toPrune)
	case QualityLoss:
		pruned = p.qualityLossPruning(predTrain, scorer, toPrune)
	case ScoreLoss:
		pruned = p.scoreLossPruning(predTrain, toPrune)
	default:
		return fmt.Errorf("pruning: method %s not implemented", p.method)
	}

	for _, t := range pruned {
		p.weights[t] = 0
	}
	p.log.Infow("pruned", "method", p.method.String(), "trees", len(pruned))

	if p.search != nil {
		filtTrain, err := filterDataset(predTrain, pruned)
		if err != nil {
			return err
		}
		var filtValid *data.Dataset
		if predValid != nil {
			if filtValid, err = filterDataset(predValid, pruned); err != nil {
				return err
			}
		}
		p.log.Infow("line search after pruning")
		if err := p.search.Learn(filtTrain, filtValid, scorer); err != nil {
			return err
		}

		// spread the filtered weights back over the surviving slots
		isPruned := prunedSet(pruned)
		refit := p.search.Weights()
		k := 0
		for t := 0; t < ntrees; t++ {
			if !isPruned[t] {
				p.weights[t] = refit[k]
				k++
			}
		}
	}

	return e.UpdateWeights(p.weights)
}

// PredictionDataset scores every tree on every instance and returns
// a dataset whose feature t is tree t's raw prediction.
func PredictionDataset(e *tree.Ensemble, ds *data.Dataset) (*data.Dataset, error) {
	pred := data.NewDataset(e.Size())
	row := make([]float64, e.Size())
	for q := 0; q < ds.NumQueries(); q++ {
		for i := ds.Offset(q); i < ds.Offset(q + 1); i++ {
			for t := 0; t < e.Size(); t++ {
				row[t] = e.Tree(t).Score(ds, i)
			}
			if err := pred.AddInstance(q, ds.Label(i), row); err != nil {
				return nil, err
			}
		}
	}
	return pred, nil
}

func (p *Pruner) randomPruning(ntrees, toPrune int) []int {
	return append([]int(nil), p.rng.Perm(ntrees)[:toPrune]...)
}

// lowWeightsPruning drops the trees the line search weighted lowest.
func (p *Pruner) lowWeightsPruning(toPrune int) []int {
	idx := make([]int, len(p.weights))
	for t := range idx {
		idx[t] = t
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return p.weights[idx[a]] < p.weights[idx[b]]
	})
	return idx[:toPrune]
}

// skipPruning keeps evenly spaced trees so the survivors cover the
// whole boosting sequence.
func skipPruning(ntrees, toPrune int) []int {
	toSelect := ntrees - toPrune
	step := float64(ntrees) / float64(toSelect)
	selected := make(map[int]bool, toSelect)
	for i := 0; i < toSelect; i++ {
		selected[int(math.Ceil(float64(i)*step))] = true
	}
	var pruned []int
	for t := 0; t < ntrees; t++ {
		if !selected[t] {
			pruned = append(pruned, t)
		}
	}
	return pruned
}

// lastPruning drops the most recently added trees.
func lastPruning(ntrees, toPrune int) []int {
	pruned := make([]int, toPrune)
	for i := range pruned {
		pruned[i] = ntrees - toPrune + i
	}
	return pruned
}

// qualityLossPruning zeroes each tree in turn and drops the trees
// whose removal hurts the metric the least.
func (p *Pruner) qualityLossPruning(pred *data.Dataset, scorer metric.Metric, toPrune int) []int {
	n := pred.NumFeatures()
	metrics := make([]float64, n)
	for t := 0; t < n; t++ {
		saved := p.weights[t]
		p.weights[t] = 0
		metrics[t] = scorer.Evaluate(pred, p.scoreAll(pred))
		p.weights[t] = saved
	}

	idx := make([]int, n)
	for t := range idx {
		idx[t] = t
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return metrics[idx[a]] > metrics[idx[b]]
	})
	return idx[:toPrune]
}

// scoreLossPruning drops the trees with the smallest summed absolute
// contribution to the model scores.
func (p *Pruner) scoreLossPruning(pred *data.Dataset, toPrune int) []int {
	n := pred.NumFeatures()
	contribution := make([]float64, n)
	for i := 0; i < pred.NumInstances(); i++ {
		for t := 0; t < n; t++ {
			contribution[t] += math.Abs(p.weights[t] * pred.Feature(i, t))
		}
	}

	idx := make([]int, n)
	for t := range idx {
		idx[t] = t
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return contribution[idx[a]] < contribution[idx[b]]
	})
	return idx[:toPrune]
}

func (p *Pruner) scoreAll(pred *data.Dataset) []float64 {
	scores := make([]float64, pred.NumInstances())
	for i := range scores {
		s := 0.0
		for t := 0; t < pred.NumFeatures(); t++ {
			s += p.weights[t] * pred.Feature(i, t)
		}
		scores[i] = s
	}
	return scores
}

func prunedSet(pruned []int) map[int]bool {
	set := make(map[int]bool, len(pruned))
	for _, t := range pruned {
		set[t] = true
	}
	return set
}

// filterDataset rebuilds the dataset without the pruned columns.
func filterDataset(ds *data.Dataset, pruned []int) (*data.Dataset, error) {
	isPruned := prunedSet(pruned)
	kept := ds.NumFeatures() - len(pruned)
	out := data.NewDataset(kept)
	row := make([]float64, kept)
	for q := 0; q < ds.NumQueries(); q++ {
		for i := ds.Offset(q); i < ds.Offset(q + 1); i++ {
			k := 0
			for f := 0; f < ds.NumFeatures(); f++ {
				if !isPruned[f] {
					row[k] = ds.Feature(i, f)
					k++
				}
			}
			if err := out.AddInstance(q, ds.Label(i), row); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
