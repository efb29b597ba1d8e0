package forest

import (
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/marsStoneS/quickrank/tree"
)

// dartPolicy implements dropout boosting. Before each fit it may
// mute a random subset of trees so the new tree is trained against
// the reduced model; afterwards it either keeps the dropout or
// restores the muted trees with renormalized weights next to the
// new tree.
type dartPolicy struct {
	sample    DartSampleType
	normalize DartNormalizeType
	rateDrop  float64
	skipDrop  float64
	keepDrop  bool
	shrinkage float64
	workers   int

	// state carried across the beforeFit/treeWeight/afterFit phases
	// of a single iteration
	origWeights  []float64
	dropped      []int
	trainDropout float64
	validDropout float64
	lastWeight   float64

	droppedBeforeCleaning int
	lastGlobalRescore     int
}

func newDartPolicy(cfg Config) *dartPolicy {
	sample, _ := ParseDartSampleType(cfg.Dart.SampleType)
	normalize, _ := ParseDartNormalizeType(cfg.Dart.NormalizeType)
	keep := cfg.Dart.KeepDrop
	// counting types manage permanence through drop counts instead
	if sample.isCounting() {
		keep = false
	}
	return &dartPolicy{
		sample:    sample,
		normalize: normalize,
		rateDrop:  cfg.Dart.RateDrop,
		skipDrop:  cfg.Dart.SkipDrop,
		keepDrop:  keep,
		shrinkage: cfg.Shrinkage,
		workers:   cfg.Workers,
	}
}

func (p *dartPolicy) beforeFit(st *trainState) error {
	p.origWeights = st.ens.Weights()
	p.dropped = nil

	drop := 0
	if st.rng.Float64() > p.skipDrop {
		if p.rateDrop >= 1 {
			// an absolute rate only drops when the ensemble holds at
			// least twice that many trees
			if int(p.rateDrop)*2 <= st.ens.Size() {
				drop = int(p.rateDrop)
			}
		} else {
			drop = int(math.Round(p.rateDrop * float64(len(p.origWeights))))
		}
	}
	if drop > 0 {
		p.dropped = p.selectDropout(st, drop)
	}
	if len(p.dropped) == 0 {
		return nil
	}

	st.ens.UpdateScores(st.train, st.trainScores, p.dropped, -1)
	p.trainDropout = st.scorer.Evaluate(st.train, st.trainScores)
	if st.hasValidation() {
		st.ens.UpdateScores(st.valid, st.validScores, p.dropped, -1)
		p.validDropout = st.scorer.Evaluate(st.valid, st.validScores)
	}

	muted := append([]float64(nil), p.origWeights...)
	for _, t := range p.dropped {
		muted[t] = 0
	}
	return st.ens.UpdateWeights(muted)
}

// selectDropout picks the trees to mute among those still carrying a
// positive weight.
func (p *dartPolicy) selectDropout(st *trainState, drop int) []int {
	weights := p.origWeights
	var dropped []int

	switch p.sample {
	case SampleWeighted, SampleWeightedInv:
		sum := 0.0
		for _, w := range weights {
			sum += w
		}
		prob := append([]float64(nil), weights...)
		cum := make([]float64, len(weights))
		for len(dropped) < drop {
			total := 0.0
			for i := range weights {
				pi := 0.0
				if prob[i] != 0 && sum > 0 {
					pi = weights[i] / sum
					if p.sample == SampleWeightedInv {
						pi = 1 - pi
					}
				}
				total += pi
				cum[i] = total
			}
			if total <= 0 {
				break
			}
			pick := st.rng.Float64() * total
			idx := sort.SearchFloat64s(cum, pick)
			for idx < len(cum) && prob[idx] == 0 {
				idx++
			}
			if idx >= len(cum) {
				break
			}
			dropped = append(dropped, idx)
			sum -= weights[idx]
			prob[idx] = 0
		}

	default:
		// uniform permutation over the pool; TOP_FIFTY restricts the
		// pool to the older half of the ensemble
		size := len(weights)
		if p.sample == SampleTopFifty {
			size = int(math.Round(float64(size) / 2))
		}
		perm := st.rng.Perm(size)
		for _, idx := range perm {
			if len(dropped) == drop {
				break
			}
			if weights[idx] > 0 {
				dropped = append(dropped, idx)
			}
		}
	}
	return dropped
}

func (p *dartPolicy) treeWeight(st *trainState, t *tree.RegressionTree) (float64, error) {
	k := float64(len(p.dropped))
	switch p.normalize {
	case NormalizeTreeAdaptive:
		p.lastWeight = p.shrinkage / (p.shrinkage + k)
	case NormalizeTreeBoost3:
		p.lastWeight = (3 * p.shrinkage) / (3*p.shrinkage + k)
	case NormalizeLineSearch:
		w, err := p.lineSearchWeight(st, t)
		if err != nil {
			return 0, err
		}
		p.lastWeight = w
	default:
		p.lastWeight = p.shrinkage
	}
	return p.lastWeight, nil
}

// lineSearchWeight probes a fixed window of candidate weights around
// 1.0 and returns the one maximizing the metric over the muted model
// plus the new tree.
func (p *dartPolicy) lineSearchWeight(st *trainState, t *tree.RegressionTree) (float64, error) {
	const points = 16
	const window = 1.0
	const start = 1.0
	step := 2 * window / points

	var candidates []float64
	for w := start - window; w <= start+window; w += step {
		if w > 0 {
			candidates = append(candidates, w)
		}
	}

	n := st.train.NumInstances()
	treeScores := make([]float64, n)
	for i := 0; i < n; i++ {
		treeScores[i] = t.Score(st.train, i)
	}

	metrics := make([]float64, len(candidates))
	var g errgroup.Group
	workers := p.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g.SetLimit(workers)
	for c := range candidates {
		c := c
		g.Go(func() error {
			probe := make([]float64, n)
			for i := 0; i < n; i++ {
				probe[i] = st.trainScores[i] + candidates[c]*treeScores[i]
			}
			metrics[c] = st.scorer.Evaluate(st.train, probe)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	best := 0
	for c := range metrics {
		if metrics[c] > metrics[best] {
			best = c
		}
	}
	return candidates[best], nil
}

func (p *dartPolicy) afterFit(st *trainState) (bool, error) {
	lastIdx := st.ens.Size() - 1
	lastTree := []int{lastIdx}

	st.ens.UpdateScores(st.train, st.trainScores, lastTree, +1)
	trainFit := st.scorer.Evaluate(st.train, st.trainScores)
	validFit := math.Inf(-1)
	if st.hasValidation() {
		st.ens.UpdateScores(st.valid, st.validScores, lastTree, +1)
		validFit = st.scorer.Evaluate(st.valid, st.validScores)
	}

	fitBetter := false
	if len(p.dropped) > 0 {
		if st.hasValidation() {
			fitBetter = validFit > st.metricValid
		} else {
			fitBetter = trainFit > st.metricTrain
		}
	}

	if p.keepDrop && fitBetter {
		p.droppedBeforeCleaning += len(p.dropped)
		st.metricTrain = trainFit
		st.metricValid = validFit
	} else {
		// back out the new tree, restore the muted trees with
		// renormalized weights and rescore the whole updated set
		st.ens.UpdateScores(st.train, st.trainScores, lastTree, -1)
		if st.hasValidation() {
			st.ens.UpdateScores(st.valid, st.validScores, lastTree, -1)
		}

		if len(p.dropped) > 0 {
			restored := p.normalizeRestoreDrop()
			if err := st.ens.UpdateWeights(restored); err != nil {
				return false, err
			}
		}

		updated := append(append([]int(nil), p.dropped...), lastIdx)
		st.ens.UpdateScores(st.train, st.trainScores, updated, +1)
		st.metricTrain = st.scorer.Evaluate(st.train, st.trainScores)
		if st.hasValidation() {
			st.ens.UpdateScores(st.valid, st.validScores, updated, +1)
			st.metricValid = st.scorer.Evaluate(st.valid, st.validScores)
		}
	}

	if p.sample.isCounting() && fitBetter {
		if err := p.applyCountDrops(st, lastIdx); err != nil {
			return false, err
		}
	}

	improved := st.metricTrain > st.bestTrain
	if st.hasValidation() {
		improved = st.metricValid > st.bestValid
	}
	if improved {
		st.ens.FilterOutZeroWeightedTrees()
		st.snapshotBest()
		p.droppedBeforeCleaning = 0

		// incremental updates drift after many compactions
		if st.iter-p.lastGlobalRescore > 10 {
			st.trainScores = st.ens.Score(st.train)
			if st.hasValidation() {
				st.validScores = st.ens.Score(st.valid)
			}
			p.lastGlobalRescore = st.iter
		}
	}

	st.log.Debugw("dropout",
		"dropped", len(p.dropped),
		"keep", p.keepDrop && fitBetter,
		"live", st.ens.Size()-p.droppedBeforeCleaning,
		"train_dropout", p.trainDropout,
		"train_fit", trainFit)

	return improved, nil
}

// normalizeRestoreDrop rebuilds the full weight vector: the muted
// trees come back scaled down and the new tree joins at a weight the
// normalization rule dictates.
func (p *dartPolicy) normalizeRestoreDrop() []float64 {
	weights := append([]float64(nil), p.origWeights...)
	k := float64(len(p.dropped))

	switch p.normalize {
	case NormalizeTree, NormalizeTreeAdaptive, NormalizeTreeBoost3:
		alpha := 1.0
		if p.normalize == NormalizeTreeBoost3 {
			alpha = 3
		}
		weights = append(weights, (p.shrinkage*alpha)/(p.shrinkage*alpha+k))
		norm := k / (k + p.shrinkage*alpha)
		for _, t := range p.dropped {
			weights[t] *= norm
		}

	case NormalizeNone:
		weights = append(weights, p.shrinkage)

	case NormalizeWeighted:
		sum := 0.0
		for _, t := range p.dropped {
			sum += weights[t]
		}
		sumWithLast := sum + p.shrinkage
		weights = append(weights, p.shrinkage/sumWithLast)
		norm := sum / sumWithLast
		for _, t := range p.dropped {
			weights[t] *= norm
		}

	case NormalizeForest:
		weights = append(weights, p.shrinkage/(1+p.shrinkage))
		norm := 1 / (1 + p.shrinkage)
		for _, t := range p.dropped {
			weights[t] *= norm
		}

	case NormalizeLineSearch:
		weights = append(weights, p.lastWeight/(p.lastWeight+k))
		norm := k / (k + p.lastWeight)
		for _, t := range p.dropped {
			weights[t] *= norm
		}
	}
	return weights
}

// applyCountDrops bumps the drop count of every muted tree and
// permanently removes the ones crossing the threshold.
func (p *dartPolicy) applyCountDrops(st *trainState, lastIdx int) error {
	threshold := p.sample.countThreshold()
	var byCount []int
	for _, t := range p.dropped {
		if st.ens.BumpDropCount(t) >= threshold && p.origWeights[t] > 0 {
			byCount = append(byCount, t)
		}
	}
	if len(byCount) == 0 {
		return nil
	}
	p.droppedBeforeCleaning += len(byCount)

	weights := st.ens.Weights()
	if p.sample.normalizesOnCountDrop() {
		// rebalance the surviving muted trees and the new tree over
		// the mass freed by the permanent drops
		updated := append(append([]int(nil), p.dropped...), lastIdx)
		st.ens.UpdateScores(st.train, st.trainScores, updated, -1)
		if st.hasValidation() {
			st.ens.UpdateScores(st.valid, st.validScores, updated, -1)
		}

		denom := float64(len(p.dropped) - len(byCount) + 1)
		weights[lastIdx] *= 1 / denom
		for _, t := range p.dropped {
			weights[t] *= float64(len(p.dropped)) / denom
		}
		for _, t := range byCount {
			weights[t] = 0
		}
		if err := st.ens.UpdateWeights(weights); err != nil {
			return err
		}

		st.ens.UpdateScores(st.train, st.trainScores, updated, +1)
		if st.hasValidation() {
			st.ens.UpdateScores(st.valid, st.validScores, updated, +1)
		}
	} else {
		st.ens.UpdateScores(st.train, st.trainScores, byCount, -1)
		if st.hasValidation() {
			st.ens.UpdateScores(st.valid, st.validScores, byCount, -1)
		}
		for _, t := range byCount {
			weights[t] = 0
		}
		if err := st.ens.UpdateWeights(weights); err != nil {
			return err
		}
	}

	st.metricTrain = st.scorer.Evaluate(st.train, st.trainScores)
	if st.hasValidation() {
		st.metricValid = st.scorer.Evaluate(st.valid, st.validScores)
	}
	return nil
}
