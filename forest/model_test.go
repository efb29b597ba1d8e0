package forest

import (
	"path/filepath"
	"testing"

	"github.com/marsStoneS/quickrank/metric"
)

func TestModelSaveLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trees = 3
	cfg.Leaves = 4
	cfg.EarlyStopping = 0
	cfg.Seed = 5

	b, err := NewBooster(cfg, metric.NewNDCG(10))
	if err != nil {
		t.Fatalf("NewBooster: %v", err)
	}
	if err := b.Learn(rankingDataset(t, 42), nil, 0); err != nil {
		t.Fatalf("Learn: %v", err)
	}

	path := filepath.Join(t.TempDir(), "model.json")
	if err := b.SaveModel(path); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}
	m, err := LoadModel(path)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if m.Config.Algorithm != cfg.Algorithm || m.Config.Trees != cfg.Trees {
		t.Fatalf("loaded config %+v does not match the saved one", m.Config)
	}
	if m.Ensemble.Size() != b.Ensemble().Size() {
		t.Fatalf("loaded %d trees, saved %d", m.Ensemble.Size(), b.Ensemble().Size())
	}

	ds := rankingDataset(t, 42)
	want := b.Ensemble().Score(ds)
	got := m.Ensemble.Score(ds)
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("instance %d scores %g after reload, want %g", i, got[i], want[i])
		}
	}
}

func TestImportModelStateRejectsMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trees = 3
	cfg.Leaves = 4
	cfg.EarlyStopping = 0

	src, err := NewBooster(cfg, metric.NewNDCG(10))
	if err != nil {
		t.Fatalf("NewBooster: %v", err)
	}
	if err := src.Learn(rankingDataset(t, 42), nil, 0); err != nil {
		t.Fatalf("Learn: %v", err)
	}

	other := cfg
	other.Leaves = 8
	dst, err := NewBooster(other, metric.NewNDCG(10))
	if err != nil {
		t.Fatalf("NewBooster: %v", err)
	}
	if dst.ImportModelState(src) {
		t.Fatal("boosters with different tree shapes must not share state")
	}

	same := cfg
	same.Trees = 6
	dst, err = NewBooster(same, metric.NewNDCG(10))
	if err != nil {
		t.Fatalf("NewBooster: %v", err)
	}
	if !dst.ImportModelState(src) {
		t.Fatal("import from a compatible booster failed")
	}
	if dst.Ensemble().Size() != 3 {
		t.Fatalf("expected 3 adopted trees, got %d", dst.Ensemble().Size())
	}
	if src.Ensemble().Size() != 0 {
		t.Fatalf("source booster should be left with an empty ensemble, got %d trees", src.Ensemble().Size())
	}
}
