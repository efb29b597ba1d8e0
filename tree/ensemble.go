package tree

import (
	"encoding/json"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/marsStoneS/quickrank/data"
)

// Ensemble is an ordered, weighted collection of regression trees
// with a fixed maximum capacity. Ownership of a tree transfers to the
// ensemble on Push. A weight of zero means present but inactive,
// which is distinct from removal; FilterOutZeroWeightedTrees performs
// the actual removal.
type Ensemble struct {
	members  []member
	capacity int
	workers  int
}

type member struct {
	tree      *RegressionTree
	weight    float64
	dropCount int
}

// NewEnsemble returns an empty ensemble with the given tree capacity.
func NewEnsemble(capacity int) *Ensemble {
	return &Ensemble{capacity: capacity, workers: runtime.GOMAXPROCS(0)}
}

// SetWorkers bounds the parallelism of scoring loops.
func (e *Ensemble) SetWorkers(n int) {
	if n > 0 {
		e.workers = n
	}
}

// SetCapacity adjusts the maximum number of trees.
func (e *Ensemble) SetCapacity(n int) { e.capacity = n }

// Capacity returns the maximum number of trees.
func (e *Ensemble) Capacity() int { return e.capacity }

// Size returns the current number of trees, active or not.
func (e *Ensemble) Size() int { return len(e.members) }

// Push appends a tree with the given weight, transferring ownership.
func (e *Ensemble) Push(t *RegressionTree, weight float64) error {
	if e.capacity > 0 && len(e.members) >= e.capacity {
		return fmt.Errorf("tree: ensemble is at capacity %d", e.capacity)
	}
	e.members = append(e.members, member{tree: t, weight: weight})
	return nil
}

// Pop removes the most recently pushed tree.
func (e *Ensemble) Pop() error {
	if len(e.members) == 0 {
		return fmt.Errorf("tree: pop on an empty ensemble")
	}
	e.members = e.members[:len(e.members)-1]
	return nil
}

// Tree returns tree i. The tree remains owned by the ensemble.
func (e *Ensemble) Tree(i int) *RegressionTree { return e.members[i].tree }

// Weight returns the weight of tree i.
func (e *Ensemble) Weight(i int) float64 { return e.members[i].weight }

// Weights returns a copy of the weight vector in insertion order.
func (e *Ensemble) Weights() []float64 {
	w := make([]float64, len(e.members))
	for i, m := range e.members {
		w[i] = m.weight
	}
	return w
}

// UpdateWeights replaces all weights at once. Cached score arrays
// held by callers are not touched: reconcile them incrementally with
// UpdateScores, or rebuild them with Score.
func (e *Ensemble) UpdateWeights(weights []float64) error {
	if len(weights) != len(e.members) {
		return fmt.Errorf("tree: weight vector has %d entries, ensemble has %d trees", len(weights), len(e.members))
	}
	for i := range e.members {
		e.members[i].weight = weights[i]
	}
	return nil
}

// DropCount returns the accumulated drop count of tree i. The count
// is attached to the tree identity, so it survives compaction.
func (e *Ensemble) DropCount(i int) int { return e.members[i].dropCount }

// BumpDropCount increments and returns the drop count of tree i.
func (e *Ensemble) BumpDropCount(i int) int {
	e.members[i].dropCount++
	return e.members[i].dropCount
}

// FilterOutZeroWeightedTrees compacts the sequence by physically
// removing zero-weight trees. External indices into tree positions
// are invalidated; per-tree state carried by the ensemble (weights,
// drop counts) moves with the surviving trees.
func (e *Ensemble) FilterOutZeroWeightedTrees() {
	kept := e.members[:0]
	for _, m := range e.members {
		if m.weight != 0 {
			kept = append(kept, m)
		}
	}
	e.members = kept
}

// Predict returns the weighted score of one feature vector.
func (e *Ensemble) Predict(features []float64) float64 {
	score := 0.0
	for _, m := range e.members {
		if m.weight == 0 {
			continue
		}
		score += m.weight * m.tree.ScoreVector(features)
	}
	return score
}

// ScoreInstance returns the weighted score of instance i of ds.
func (e *Ensemble) ScoreInstance(ds *data.Dataset, i int) float64 {
	score := 0.0
	for _, m := range e.members {
		if m.weight == 0 {
			continue
		}
		score += m.weight * m.tree.Score(ds, i)
	}
	return score
}

// Score computes the full per-instance score array for ds.
func (e *Ensemble) Score(ds *data.Dataset) []float64 {
	scores := make([]float64, ds.NumInstances())
	e.parallelInstances(ds.NumInstances(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			scores[i] = e.ScoreInstance(ds, i)
		}
	})
	return scores
}

// UpdateScores adds (sign > 0) or subtracts (sign < 0) exactly the
// listed trees' weighted contributions from a cached score array.
// This is the incremental rescoring primitive both the dropout loop
// and pruning's leave-one-out evaluation depend on.
func (e *Ensemble) UpdateScores(ds *data.Dataset, scores []float64, trees []int, sign float64) {
	for _, t := range trees {
		m := e.members[t]
		if m.weight == 0 {
			continue
		}
		contribution := sign * m.weight
		e.parallelInstances(ds.NumInstances(), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				scores[i] += contribution * m.tree.Score(ds, i)
			}
		})
	}
}

func (e *Ensemble) parallelInstances(n int, fn func(lo, hi int)) {
	workers := e.workers
	if workers <= 1 || n < 2*workers {
		fn(0, n)
		return
	}
	var g errgroup.Group
	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		lo := lo
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	g.Wait()
}

type ensembleJSON struct {
	Capacity int               `json:"capacity"`
	Trees    []*RegressionTree `json:"trees"`
	Weights  []float64         `json:"weights"`
}

// MarshalJSON serializes tree topologies and weights in insertion
// order.
func (e *Ensemble) MarshalJSON() ([]byte, error) {
	out := ensembleJSON{Capacity: e.capacity}
	for _, m := range e.members {
		out.Trees = append(out.Trees, m.tree)
		out.Weights = append(out.Weights, m.weight)
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores an ensemble serialized by MarshalJSON.
func (e *Ensemble) UnmarshalJSON(raw []byte) error {
	var in ensembleJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if len(in.Trees) != len(in.Weights) {
		return fmt.Errorf("tree: %d trees but %d weights", len(in.Trees), len(in.Weights))
	}
	e.capacity = in.Capacity
	e.workers = runtime.GOMAXPROCS(0)
	e.members = e.members[:0]
	for i, t := range in.Trees {
		e.members = append(e.members, member{tree: t, weight: in.Weights[i]})
	}
	return nil
}
