package forest

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/marsStoneS/quickrank/tree"
)

// Model couples the training hyperparameters with the trees they
// produced, so a saved file is enough to either score or resume.
type Model struct {
	Config   Config         `json:"config"`
	Ensemble *tree.Ensemble `json:"ensemble"`
}

// Model snapshots the booster's current state.
func (b *Booster) Model() *Model {
	return &Model{Config: b.cfg, Ensemble: b.ensemble}
}

// SaveModel writes the model as indented JSON.
func (b *Booster) SaveModel(path string) error {
	raw, err := json.MarshalIndent(b.Model(), "", "  ")
	if err != nil {
		return fmt.Errorf("forest: encode model: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("forest: save model: %w", err)
	}
	return nil
}

// LoadModel reads a model saved by SaveModel.
func LoadModel(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("forest: load model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("forest: decode model %s: %w", path, err)
	}
	if err := m.Config.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ImportModelState adopts another booster's ensemble so training can
// resume from it, and reports whether the adoption happened. It
// refuses when the hyperparameters shaping the trees differ.
func (b *Booster) ImportModelState(other *Booster) bool {
	if other == nil {
		return false
	}
	oc := other.cfg
	if b.cfg.Algorithm != oc.Algorithm ||
		math.Abs(b.cfg.Shrinkage-oc.Shrinkage) > 1e-6 ||
		b.cfg.Thresholds != oc.Thresholds ||
		b.cfg.Leaves != oc.Leaves ||
		b.cfg.MinLeafSupport != oc.MinLeafSupport ||
		b.cfg.EarlyStopping != oc.EarlyStopping {
		return false
	}
	if b.cfg.Algorithm == AlgoDart {
		if b.cfg.Dart.SampleType != oc.Dart.SampleType ||
			b.cfg.Dart.NormalizeType != oc.Dart.NormalizeType ||
			b.cfg.Dart.RateDrop != oc.Dart.RateDrop ||
			b.cfg.Dart.SkipDrop != oc.Dart.SkipDrop {
			return false
		}
	}

	b.ensemble = other.ensemble
	b.ensemble.SetCapacity(b.cfg.Trees)
	other.ensemble = tree.NewEnsemble(oc.Trees)
	return true
}

// ImportEnsemble installs a previously saved ensemble, typically
// loaded with LoadModel, so Learn resumes instead of starting over.
func (b *Booster) ImportEnsemble(e *tree.Ensemble) {
	if e == nil {
		return
	}
	b.ensemble = e
	b.ensemble.SetCapacity(b.cfg.Trees)
	if b.cfg.Workers > 0 {
		b.ensemble.SetWorkers(b.cfg.Workers)
	}
}
