package forest

import (
	"math"
	"math/rand"
	"testing"

	"github.com/marsStoneS/quickrank/metric"
)

func TestDartConfigForcesCountingKeepDrop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Algorithm = AlgoDart
	cfg.Dart.SampleType = "COUNT2"
	cfg.Dart.KeepDrop = true

	p := newDartPolicy(cfg)
	if p.keepDrop {
		t.Fatal("counting sample types must not keep dropouts")
	}
}

func TestSelectDropoutSkipsZeroWeights(t *testing.T) {
	st := &trainState{rng: rand.New(rand.NewSource(1))}
	p := &dartPolicy{
		sample:      SampleUniform,
		origWeights: []float64{0.1, 0, 0.1, 0, 0.1, 0.1},
	}
	for trial := 0; trial < 20; trial++ {
		dropped := p.selectDropout(st, 3)
		if len(dropped) != 3 {
			t.Fatalf("expected 3 dropped trees, got %d", len(dropped))
		}
		for _, idx := range dropped {
			if p.origWeights[idx] == 0 {
				t.Fatalf("tree %d has zero weight and must not be dropped", idx)
			}
		}
	}
}

func TestSelectDropoutWeightedNeverRepeats(t *testing.T) {
	st := &trainState{rng: rand.New(rand.NewSource(2))}
	for _, sample := range []DartSampleType{SampleWeighted, SampleWeightedInv} {
		p := &dartPolicy{
			sample:      sample,
			origWeights: []float64{0.4, 0.3, 0.2, 0.1},
		}
		for trial := 0; trial < 20; trial++ {
			dropped := p.selectDropout(st, 3)
			if len(dropped) != 3 {
				t.Fatalf("%v: expected 3 dropped trees, got %d", sample, len(dropped))
			}
			seen := map[int]bool{}
			for _, idx := range dropped {
				if seen[idx] {
					t.Fatalf("%v: tree %d selected twice", sample, idx)
				}
				seen[idx] = true
			}
		}
	}
}

func TestNormalizeRestoreDropTree(t *testing.T) {
	p := &dartPolicy{
		normalize:   NormalizeTree,
		shrinkage:   0.1,
		origWeights: []float64{1, 1, 1, 1},
		dropped:     []int{0, 2},
	}
	weights := p.normalizeRestoreDrop()
	if len(weights) != 5 {
		t.Fatalf("expected the new tree appended, got %d weights", len(weights))
	}
	wantLast := 0.1 / 2.1
	if math.Abs(weights[4]-wantLast) > 1e-12 {
		t.Fatalf("new tree weight %g, want %g", weights[4], wantLast)
	}
	wantDropped := 2.0 / 2.1
	for _, idx := range []int{0, 2} {
		if math.Abs(weights[idx]-wantDropped) > 1e-12 {
			t.Fatalf("dropped tree %d restored at %g, want %g", idx, weights[idx], wantDropped)
		}
	}
	for _, idx := range []int{1, 3} {
		if weights[idx] != 1 {
			t.Fatalf("untouched tree %d changed weight to %g", idx, weights[idx])
		}
	}
}

func TestNormalizeRestoreDropWeighted(t *testing.T) {
	p := &dartPolicy{
		normalize:   NormalizeWeighted,
		shrinkage:   0.1,
		origWeights: []float64{0.5, 0.25, 1},
		dropped:     []int{0, 1},
	}
	weights := p.normalizeRestoreDrop()
	sum := 0.75
	if got, want := weights[3], 0.1/(sum+0.1); math.Abs(got-want) > 1e-12 {
		t.Fatalf("new tree weight %g, want %g", got, want)
	}
	norm := sum / (sum + 0.1)
	if math.Abs(weights[0]-0.5*norm) > 1e-12 || math.Abs(weights[1]-0.25*norm) > 1e-12 {
		t.Fatalf("dropped weights %v not scaled by the group mass", weights[:2])
	}
	if weights[2] != 1 {
		t.Fatalf("untouched tree changed weight to %g", weights[2])
	}
}

// With skip_drop at 1 no iteration ever drops a tree, so dropout
// boosting must match plain boosting with the same seed.
func TestSkipDropMatchesStandardBoosting(t *testing.T) {
	scorer := metric.NewNDCG(10)

	base := DefaultConfig()
	base.Trees = 6
	base.Leaves = 4
	base.Shrinkage = 0.2
	base.EarlyStopping = 0
	base.Seed = 23

	plainCfg := base
	plainCfg.Algorithm = AlgoLambdaMART
	plain, err := NewBooster(plainCfg, scorer)
	if err != nil {
		t.Fatalf("NewBooster: %v", err)
	}
	if err := plain.Learn(rankingDataset(t, 42), nil, 0); err != nil {
		t.Fatalf("Learn: %v", err)
	}

	dartCfg := base
	dartCfg.Algorithm = AlgoDart
	dartCfg.Dart = DartConfig{
		SampleType:    "UNIFORM",
		NormalizeType: "TREE",
		RateDrop:      0.5,
		SkipDrop:      1,
	}
	dart, err := NewBooster(dartCfg, scorer)
	if err != nil {
		t.Fatalf("NewBooster: %v", err)
	}
	if err := dart.Learn(rankingDataset(t, 42), nil, 0); err != nil {
		t.Fatalf("Learn: %v", err)
	}

	pw, dw := plain.Ensemble().Weights(), dart.Ensemble().Weights()
	if len(pw) != len(dw) {
		t.Fatalf("ensemble sizes differ: %d vs %d", len(pw), len(dw))
	}
	for i := range pw {
		if pw[i] != dw[i] {
			t.Fatalf("tree %d weight differs: %g vs %g", i, pw[i], dw[i])
		}
	}

	ds := rankingDataset(t, 42)
	ps, dsc := plain.Ensemble().Score(ds), dart.Ensemble().Score(ds)
	for i := range ps {
		if math.Abs(ps[i]-dsc[i]) > 1e-9 {
			t.Fatalf("instance %d score differs: %g vs %g", i, ps[i], dsc[i])
		}
	}
}

func TestDartTrainingImprovesMetric(t *testing.T) {
	ds := rankingDataset(t, 42)
	scorer := metric.NewNDCG(10)
	baseline := scorer.Evaluate(ds, make([]float64, ds.NumInstances()))

	cfg := DefaultConfig()
	cfg.Algorithm = AlgoDart
	cfg.Trees = 8
	cfg.Leaves = 4
	cfg.Shrinkage = 0.2
	cfg.EarlyStopping = 0
	cfg.Seed = 31
	cfg.Dart = DartConfig{
		SampleType:    "UNIFORM",
		NormalizeType: "TREE",
		RateDrop:      0.3,
		SkipDrop:      0.5,
	}

	b, err := NewBooster(cfg, scorer)
	if err != nil {
		t.Fatalf("NewBooster: %v", err)
	}
	if err := b.Learn(ds, nil, 0); err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if b.Ensemble().Size() != cfg.Trees {
		t.Fatalf("expected %d trees, got %d", cfg.Trees, b.Ensemble().Size())
	}

	final := scorer.Evaluate(ds, b.Ensemble().Score(ds))
	if final <= baseline {
		t.Fatalf("metric did not improve: %g -> %g", baseline, final)
	}
}
