package tree

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"

	"github.com/marsStoneS/quickrank/data"
)

// RegressionTree is one weak learner. It owns its node arena and
// grows best-first: candidate leaves are expanded in order of
// decreasing deviance, not depth order.
type RegressionTree struct {
	Nodes []Node `json:"nodes"` // Nodes[0] is the root

	nrequiredleaves int // 0 = unlimited, bounded by minls only
	minls           int
	collapseFactor  float64
	requireDevianceLTParent bool

	leaves      []int
	leafSamples map[int][]int
}

// NewRegressionTree returns an unfitted tree. nleaves 0 leaves the
// leaf count unbounded; minls must be positive.
func NewRegressionTree(nleaves, minls int, collapseFactor float64, requireDevianceLTParent bool) (*RegressionTree, error) {
	if minls <= 0 {
		return nil, fmt.Errorf("tree: minimum leaf support must be positive, got %d", minls)
	}
	return &RegressionTree{
		nrequiredleaves: nleaves,
		minls:           minls,
		collapseFactor:  collapseFactor,
		requireDevianceLTParent: requireDevianceLTParent,
	}, nil
}

// candidate is a not-yet-expanded leaf queued for splitting.
type candidate struct {
	node    int
	stats   *NodeStats
	samples []int
}

// candidateHeap orders candidates by decreasing deviance; equal
// deviances pop in node-creation order so growth is deterministic.
type candidateHeap []*candidate

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	di, dj := h[i].stats.Deviance(), h[j].stats.Deviance()
	if di != dj {
		return di > dj
	}
	return h[i].node < h[j].node
}
func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)   { *h = append(*h, x.(*candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	*h = old[:len(old)-1]
	return last
}

// Fit grows the tree over the population sampleIDs (nil = all
// instances of ds) against the current pseudo-responses.
// maxFeatures in (0,1) restricts every split search to that random
// fraction of features, drawn from rng; 0 or 1 searches all features.
func (t *RegressionTree) Fit(hist *Histogram, ds *data.Dataset, pseudo []float64, sampleIDs []int, maxFeatures float64, rng *rand.Rand) error {
	if len(t.Nodes) != 0 {
		return fmt.Errorf("tree: already fitted")
	}
	if sampleIDs == nil {
		sampleIDs = make([]int, ds.NumInstances())
		for i := range sampleIDs {
			sampleIDs[i] = i
		}
	}

	t.leafSamples = make(map[int][]int)
	t.Nodes = append(t.Nodes, newLeaf(NoNode, 0))
	root := hist.Update(pseudo, sampleIDs)
	t.Nodes[0].Deviance = root.Deviance()
	t.Nodes[0].Count = root.Count

	queue := &candidateHeap{{node: 0, stats: root, samples: sampleIDs}}
	heap.Init(queue)
	nleaves := 1

	for queue.Len() > 0 {
		if t.nrequiredleaves > 0 && nleaves >= t.nrequiredleaves {
			break
		}
		cand := heap.Pop(queue).(*candidate)
		left, right, ok, err := t.split(cand, hist, ds, pseudo, maxFeatures, rng)
		if err != nil {
			return err
		}
		if !ok {
			t.sealLeaf(cand)
			continue
		}
		nleaves++
		heap.Push(queue, left)
		heap.Push(queue, right)
	}
	for queue.Len() > 0 {
		t.sealLeaf(heap.Pop(queue).(*candidate))
	}

	if t.collapseFactor > 0 {
		t.collapseLeaves()
	}
	return nil
}

func (t *RegressionTree) sealLeaf(cand *candidate) {
	t.Nodes[cand.node].Output = cand.stats.Mean()
	t.leaves = append(t.leaves, cand.node)
	t.leafSamples[cand.node] = cand.samples
}

// split tries to expand one candidate. A split is rejected when no
// boundary leaves both children with minls instances, or, under the
// require-deviance-lt-parent rule, when the children's summed
// deviance does not strictly undercut the parent's.
func (t *RegressionTree) split(cand *candidate, hist *Histogram, ds *data.Dataset, pseudo []float64, maxFeatures float64, rng *rand.Rand) (left, right *candidate, ok bool, err error) {
	features := t.sampleFeatures(hist.NumFeatures(), maxFeatures, rng)
	best, found := cand.stats.BestSplit(t.minls, features)
	if !found {
		return nil, nil, false, nil
	}
	if t.requireDevianceLTParent && best.LeftDeviance+best.RightDeviance >= cand.stats.Deviance() {
		return nil, nil, false, nil
	}

	leftIDs := make([]int, 0, best.LeftCount)
	rightIDs := make([]int, 0, best.RightCount)
	for _, i := range cand.samples {
		if ds.Feature(i, best.Feature) <= best.Threshold {
			leftIDs = append(leftIDs, i)
		} else {
			rightIDs = append(rightIDs, i)
		}
	}
	if len(leftIDs) != best.LeftCount || len(rightIDs) != best.RightCount {
		return nil, nil, false, fmt.Errorf("tree: split partition mismatch on feature %d: %d/%d vs %d/%d",
			best.Feature, len(leftIDs), len(rightIDs), best.LeftCount, best.RightCount)
	}

	// one child is recomputed directly, the sibling derived by
	// subtraction from the parent
	leftStats := hist.Update(pseudo, leftIDs)
	rightStats, err := cand.stats.Subtract(leftStats)
	if err != nil {
		return nil, nil, false, err
	}

	parent := cand.node
	leftID := len(t.Nodes)
	t.Nodes = append(t.Nodes, newLeaf(parent, t.Nodes[parent].Depth+1))
	rightID := len(t.Nodes)
	t.Nodes = append(t.Nodes, newLeaf(parent, t.Nodes[parent].Depth+1))

	t.Nodes[parent].Feature = best.Feature
	t.Nodes[parent].Threshold = best.Threshold
	t.Nodes[parent].Left = leftID
	t.Nodes[parent].Right = rightID
	t.Nodes[leftID].Deviance = best.LeftDeviance
	t.Nodes[leftID].Count = best.LeftCount
	t.Nodes[rightID].Deviance = best.RightDeviance
	t.Nodes[rightID].Count = best.RightCount

	return &candidate{node: leftID, stats: leftStats, samples: leftIDs},
		&candidate{node: rightID, stats: rightStats, samples: rightIDs},
		true, nil
}

func (t *RegressionTree) sampleFeatures(nfeatures int, maxFeatures float64, rng *rand.Rand) []int {
	if maxFeatures <= 0 || maxFeatures >= 1 || rng == nil {
		return nil
	}
	take := int(math.Ceil(maxFeatures * float64(nfeatures)))
	if take >= nfeatures {
		return nil
	}
	perm := rng.Perm(nfeatures)
	return perm[:take]
}

// NumLeaves returns the number of leaves produced by Fit.
func (t *RegressionTree) NumLeaves() int { return len(t.leaves) }

// UpdateOutput recomputes every leaf output as the mean
// pseudo-response of the instances routed to it. A non-nil
// cachedWeights turns the mean into the weighted (Newton-step) form
// sum(response)/sum(weight). Returns the largest absolute leaf
// output.
func (t *RegressionTree) UpdateOutput(pseudo, cachedWeights []float64) float64 {
	maxOut := 0.0
	for _, leaf := range t.leaves {
		ids := t.leafSamples[leaf]
		if len(ids) == 0 {
			continue
		}
		num, den := 0.0, 0.0
		for _, i := range ids {
			num += pseudo[i]
			if cachedWeights != nil {
				den += cachedWeights[i]
			} else {
				den++
			}
		}
		if den == 0 {
			t.Nodes[leaf].Output = 0
		} else {
			t.Nodes[leaf].Output = num / den
		}
		if a := math.Abs(t.Nodes[leaf].Output); a > maxOut {
			maxOut = a
		}
	}
	return maxOut
}

// collapseLeaves merges sibling leaves whose outputs lie within
// collapseFactor of the tree's output spread, shrinking the tree
// without materially changing its predictions.
func (t *RegressionTree) collapseLeaves() {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, leaf := range t.leaves {
		out := t.Nodes[leaf].Output
		if out < lo {
			lo = out
		}
		if out > hi {
			hi = out
		}
	}
	tol := t.collapseFactor * (hi - lo)
	if tol <= 0 {
		return
	}

	for changed := true; changed; {
		changed = false
		for id := range t.Nodes {
			n := &t.Nodes[id]
			if n.IsLeaf() {
				continue
			}
			l, r := &t.Nodes[n.Left], &t.Nodes[n.Right]
			if !l.IsLeaf() || !r.IsLeaf() {
				continue
			}
			if math.Abs(l.Output-r.Output) > tol {
				continue
			}
			total := l.Count + r.Count
			if total > 0 {
				n.Output = (l.Output*float64(l.Count) + r.Output*float64(r.Count)) / float64(total)
			}
			merged := append(append([]int(nil), t.leafSamples[n.Left]...), t.leafSamples[n.Right]...)
			delete(t.leafSamples, n.Left)
			delete(t.leafSamples, n.Right)
			t.removeLeaf(n.Left)
			t.removeLeaf(n.Right)
			n.Feature = -1
			n.Left, n.Right = NoNode, NoNode
			t.leaves = append(t.leaves, id)
			t.leafSamples[id] = merged
			changed = true
		}
	}
}

func (t *RegressionTree) removeLeaf(id int) {
	for i, leaf := range t.leaves {
		if leaf == id {
			t.leaves = append(t.leaves[:i], t.leaves[i+1:]...)
			return
		}
	}
}

// Score routes instance i of ds to a leaf and returns its output.
func (t *RegressionTree) Score(ds *data.Dataset, i int) float64 {
	return scoreFrom(t.Nodes, 0, ds, i)
}

// ScoreVector scores a plain feature vector.
func (t *RegressionTree) ScoreVector(features []float64) float64 {
	return scoreVectorFrom(t.Nodes, 0, features)
}
