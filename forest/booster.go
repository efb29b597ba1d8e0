package forest

import (
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/marsStoneS/quickrank/data"
	"github.com/marsStoneS/quickrank/metric"
	"github.com/marsStoneS/quickrank/tree"
)

// trainState is the mutable state of one Learn call, shared with the
// sampling and iteration strategies.
type trainState struct {
	train, valid *data.Dataset
	scorer       metric.Metric
	ens          *tree.Ensemble

	trainScores []float64
	validScores []float64

	metricTrain float64
	metricValid float64

	bestTrain   float64
	bestValid   float64
	bestIter    int
	bestSize    int
	bestWeights []float64

	iter int
	rng  *rand.Rand
	log  *zap.SugaredLogger
}

func (st *trainState) hasValidation() bool { return st.valid != nil }

// snapshotBest records the current ensemble as the best one seen.
func (st *trainState) snapshotBest() {
	st.bestTrain = st.metricTrain
	st.bestValid = st.metricValid
	st.bestIter = st.iter
	st.bestSize = st.ens.Size()
	st.bestWeights = st.ens.Weights()
}

// iterationPolicy owns the weight/accept phase of one iteration: what
// happens around the tree fit and how the iteration's metrics are
// produced. The standard policy appends with fixed shrinkage; the
// DART policy adds dropout around it.
type iterationPolicy interface {
	beforeFit(st *trainState) error
	treeWeight(st *trainState, t *tree.RegressionTree) (float64, error)
	// afterFit evaluates the iteration, updates the best-known
	// snapshot and reports whether it improved.
	afterFit(st *trainState) (bool, error)
}

// fixedShrinkage is plain gradient boosting: every accepted tree
// joins the ensemble at the configured shrinkage.
type fixedShrinkage struct {
	shrinkage float64
}

func (fixedShrinkage) beforeFit(*trainState) error { return nil }

func (p fixedShrinkage) treeWeight(*trainState, *tree.RegressionTree) (float64, error) {
	return p.shrinkage, nil
}

func (p fixedShrinkage) afterFit(st *trainState) (bool, error) {
	last := []int{st.ens.Size() - 1}
	st.ens.UpdateScores(st.train, st.trainScores, last, +1)
	st.metricTrain = st.scorer.Evaluate(st.train, st.trainScores)
	if st.hasValidation() {
		st.ens.UpdateScores(st.valid, st.validScores, last, +1)
		st.metricValid = st.scorer.Evaluate(st.valid, st.validScores)
	}

	improved := st.metricTrain > st.bestTrain
	if st.hasValidation() {
		improved = st.metricValid > st.bestValid
	}
	if improved {
		st.snapshotBest()
	}
	return improved, nil
}

// Booster is the boosting orchestrator. One iteration computes
// pseudo-responses, refreshes the histogram, fits one tree, assigns
// it a weight, appends it and reconciles the cached scores, then
// evaluates the metric and updates the early-stopping bookkeeping.
type Booster struct {
	cfg    Config
	scorer metric.Metric
	log    *zap.SugaredLogger
	rng    *rand.Rand

	ensemble  *tree.Ensemble
	responses ResponseStrategy
	sampler   Sampler
	policy    iterationPolicy

	// Checkpoint, when set together with Config.PartialSave, is
	// called after every PartialSave accepted trees.
	Checkpoint func(iteration int) error
}

// NewBooster validates cfg and wires the strategy triple its
// algorithm selects.
func NewBooster(cfg Config, scorer metric.Metric) (*Booster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if scorer == nil {
		return nil, fmt.Errorf("forest: a metric is required")
	}
	b := &Booster{
		cfg:      cfg,
		scorer:   scorer,
		log:      zap.NewNop().Sugar(),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		ensemble: tree.NewEnsemble(cfg.Trees),
	}
	if cfg.Workers > 0 {
		b.ensemble.SetWorkers(cfg.Workers)
	}

	switch cfg.Algorithm {
	case AlgoMART:
		b.responses = residualResponses{}
		b.sampler = allSampler{}
		b.policy = fixedShrinkage{cfg.Shrinkage}
	case AlgoLambdaMART:
		b.responses = lambdaResponses{workers: cfg.Workers}
		b.sampler = allSampler{}
		b.policy = fixedShrinkage{cfg.Shrinkage}
	case AlgoLambdaMARTSelective:
		b.responses = lambdaResponses{workers: cfg.Workers}
		b.sampler = newSelectiveSampler(cfg.Selective)
		b.policy = fixedShrinkage{cfg.Shrinkage}
	case AlgoRandomForest:
		b.responses = labelResponses{}
		b.sampler = allSampler{}
		b.policy = fixedShrinkage{cfg.Shrinkage}
	case AlgoDart:
		b.responses = lambdaResponses{workers: cfg.Workers}
		b.sampler = allSampler{}
		b.policy = newDartPolicy(cfg)
	}
	return b, nil
}

// SetLogger replaces the no-op default logger.
func (b *Booster) SetLogger(log *zap.SugaredLogger) {
	if log != nil {
		b.log = log
	}
}

// Config returns the training hyperparameters.
func (b *Booster) Config() Config { return b.cfg }

// Ensemble exposes the trained model.
func (b *Booster) Ensemble() *tree.Ensemble { return b.ensemble }

// Learn trains until the ensemble reaches its tree capacity or, when
// a validation set is supplied, until the validation metric stops
// improving for the configured number of rounds. On termination the
// ensemble is rolled back to the best validation snapshot.
func (b *Booster) Learn(train, valid *data.Dataset, maxIterations int) error {
	if train == nil || train.NumInstances() == 0 {
		return fmt.Errorf("forest: empty training dataset")
	}
	if train.Format() != data.Vertical {
		train.Transpose()
	}

	hist, err := tree.NewHistogram(train, b.cfg.Thresholds, b.cfg.Workers)
	if err != nil {
		return err
	}

	st := &trainState{
		train:       train,
		valid:       valid,
		scorer:      b.scorer,
		ens:         b.ensemble,
		trainScores: make([]float64, train.NumInstances()),
		bestTrain:   math.Inf(-1),
		bestValid:   math.Inf(-1),
		metricTrain: math.Inf(-1),
		metricValid: math.Inf(-1),
		rng:         b.rng,
		log:         b.log,
	}
	if valid != nil {
		st.validScores = make([]float64, valid.NumInstances())
	}

	// a non-empty ensemble means training resumes from a previously
	// saved model
	if b.ensemble.Size() > 0 {
		st.trainScores = b.ensemble.Score(train)
		st.metricTrain = b.scorer.Evaluate(train, st.trainScores)
		if valid != nil {
			st.validScores = b.ensemble.Score(valid)
			st.metricValid = b.scorer.Evaluate(valid, st.validScores)
		}
		st.iter = b.ensemble.Size() - 1
		st.snapshotBest()
		b.log.Infow("resuming from a partial model",
			"trees", b.ensemble.Size(),
			"train", st.metricTrain, "valid", st.metricValid)
	}

	if maxIterations <= 0 {
		maxIterations = b.cfg.Trees * 4
	}
	iterations := 0
	for st.iter = b.ensemble.Size(); b.ensemble.Size() < b.cfg.Trees; st.iter++ {
		if iterations++; iterations > maxIterations {
			break
		}
		if st.hasValidation() && b.cfg.EarlyStopping > 0 &&
			st.iter > st.bestIter+b.cfg.EarlyStopping {
			break
		}

		ids, presence := b.sampler.Sample(st)
		ids, presence = b.subsample(st, ids, presence)

		if err := b.policy.beforeFit(st); err != nil {
			return err
		}

		pseudo, cached := b.responses.ComputeResponses(train, b.scorer, st.trainScores, presence)

		t, err := tree.NewRegressionTree(b.cfg.Leaves, b.cfg.MinLeafSupport,
			b.cfg.CollapseLeaves, b.cfg.RequireDevianceLTParent)
		if err != nil {
			return err
		}
		if err := t.Fit(hist, train, pseudo, ids, b.cfg.MaxFeatures, b.rng); err != nil {
			return err
		}
		t.UpdateOutput(pseudo, cached)

		weight, err := b.policy.treeWeight(st, t)
		if err != nil {
			return err
		}
		if err := b.ensemble.Push(t, weight); err != nil {
			return err
		}

		improved, err := b.policy.afterFit(st)
		if err != nil {
			return err
		}
		b.sampler.Observe(improved)

		b.log.Infow("iteration",
			"iter", st.iter+1,
			"trees", b.ensemble.Size(),
			"train", st.metricTrain,
			"valid", st.metricValid,
			"best", improved)

		if b.cfg.PartialSave > 0 && b.Checkpoint != nil &&
			b.ensemble.Size()%b.cfg.PartialSave == 0 {
			if err := b.Checkpoint(st.iter + 1); err != nil {
				return err
			}
		}
	}

	if st.hasValidation() {
		for b.ensemble.Size() > st.bestSize {
			if err := b.ensemble.Pop(); err != nil {
				return err
			}
		}
		if st.bestWeights != nil {
			if err := b.ensemble.UpdateWeights(st.bestWeights); err != nil {
				return err
			}
		}
	}

	b.log.Infow("training finished",
		"trees", b.ensemble.Size(),
		"train", st.bestTrain,
		"valid", st.bestValid)
	return nil
}

// subsample applies the plain random bagging fraction on top of
// whatever the sampler selected.
func (b *Booster) subsample(st *trainState, ids []int, presence []bool) ([]int, []bool) {
	frac := b.cfg.SubSample
	if frac == 1 || frac <= 0 {
		return ids, presence
	}
	if ids == nil {
		ids = make([]int, st.train.NumInstances())
		for i := range ids {
			ids[i] = i
		}
	}
	st.rng.Shuffle(len(ids), func(a, c int) { ids[a], ids[c] = ids[c], ids[a] })
	keep := len(ids)
	if frac > 1 {
		if n := int(frac); n < keep {
			keep = n
		}
	} else {
		keep = int(math.Floor(frac * float64(len(ids))))
	}
	if keep < 1 {
		keep = 1
	}
	ids = ids[:keep]
	presence = make([]bool, st.train.NumInstances())
	for _, i := range ids {
		presence[i] = true
	}
	return ids, presence
}
