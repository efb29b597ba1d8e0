package tree

import (
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/marsStoneS/quickrank/data"
)

// stat plane indices inside NodeStats.planes
const (
	planeCount = iota
	planeSum
	planeSqSum
	numPlanes
)

// Histogram carries the per-feature binning tables shared by every
// node grown during one training run: bin upper bounds and the
// instance-to-bin map. It is built once per dataset and reused across
// iterations; per-node aggregates live in NodeStats.
type Histogram struct {
	nfeatures  int
	maxbins    int
	nbins      []int
	thresholds [][]float64 // ascending upper bound of each bin
	sampleBin  [][]int     // per feature, instance -> bin
	workers    int
}

// NewHistogram discretizes every feature of ds into at most
// nthresholds bins. nthresholds 0 keeps one bin per distinct value.
func NewHistogram(ds *data.Dataset, nthresholds, workers int) (*Histogram, error) {
	if ds.NumInstances() == 0 {
		return nil, fmt.Errorf("tree: cannot build a histogram over an empty dataset")
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	h := &Histogram{
		nfeatures:  ds.NumFeatures(),
		nbins:      make([]int, ds.NumFeatures()),
		thresholds: make([][]float64, ds.NumFeatures()),
		sampleBin:  make([][]int, ds.NumFeatures()),
		workers:    workers,
	}

	n := ds.NumInstances()
	var g errgroup.Group
	g.SetLimit(workers)
	for f := 0; f < h.nfeatures; f++ {
		f := f
		g.Go(func() error {
			values := make([]float64, n)
			for i := 0; i < n; i++ {
				values[i] = ds.Feature(i, f)
			}
			sorted := append([]float64(nil), values...)
			sort.Float64s(sorted)
			distinct := sorted[:0]
			for i, v := range sorted {
				if i == 0 || v != distinct[len(distinct)-1] {
					distinct = append(distinct, v)
				}
			}
			thr := append([]float64(nil), distinct...)
			if nthresholds > 0 && len(distinct) > nthresholds {
				thr = make([]float64, nthresholds)
				step := float64(len(distinct)) / float64(nthresholds)
				for k := 0; k < nthresholds; k++ {
					at := int(math.Ceil(float64(k+1)*step)) - 1
					if at >= len(distinct) {
						at = len(distinct) - 1
					}
					thr[k] = distinct[at]
				}
				thr[nthresholds-1] = distinct[len(distinct)-1]
			}
			bins := make([]int, n)
			for i, v := range values {
				bins[i] = sort.SearchFloat64s(thr, v)
			}
			h.thresholds[f] = thr
			h.nbins[f] = len(thr)
			h.sampleBin[f] = bins
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, b := range h.nbins {
		if b > h.maxbins {
			h.maxbins = b
		}
	}
	return h, nil
}

// NumFeatures returns the number of binned features.
func (h *Histogram) NumFeatures() int { return h.nfeatures }

// Bins returns the number of bins of feature f.
func (h *Histogram) Bins(f int) int { return h.nbins[f] }

// Threshold returns the upper bound of bin b of feature f.
func (h *Histogram) Threshold(f, b int) float64 { return h.thresholds[f][b] }

// NodeStats are the binned statistics of one tree node's population:
// cumulative count, pseudo-response sum and square sum per feature
// bin. The cumulative form makes the split scan a single pass and the
// sibling relation a plain subtraction: stats(parent) - stats(left)
// == stats(right), exactly for counts and within floating tolerance
// for the sums.
type NodeStats struct {
	hist   *Histogram
	planes *tensor.Dense // shape (numPlanes, nfeatures, maxbins)
	Count  int
	Sum    float64
	SqSum  float64
}

func (h *Histogram) newStats() *NodeStats {
	return &NodeStats{
		hist: h,
		planes: tensor.New(
			tensor.WithShape(numPlanes, h.nfeatures, h.maxbins),
			tensor.Of(tensor.Float64),
		),
	}
}

func (s *NodeStats) raw() []float64 { return s.planes.Data().([]float64) }

func (s *NodeStats) at(plane, f, b int) float64 {
	return s.raw()[(plane*s.hist.nfeatures+f)*s.hist.maxbins+b]
}

// Deviance is the population's sum of squared deviations from its
// mean pseudo-response.
func (s *NodeStats) Deviance() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.SqSum - s.Sum*s.Sum/float64(s.Count)
}

// Mean is the population's mean pseudo-response.
func (s *NodeStats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Update recomputes the aggregates for the population given by
// sampleIDs (nil means every instance) from the current
// pseudo-responses. Used for the root of every new tree and for the
// directly-computed child of a split.
func (h *Histogram) Update(pseudo []float64, sampleIDs []int) *NodeStats {
	s := h.newStats()
	raw := s.raw()

	var g errgroup.Group
	g.SetLimit(h.workers)
	for f := 0; f < h.nfeatures; f++ {
		f := f
		g.Go(func() error {
			base := f * h.maxbins
			countRow := raw[planeCount*h.nfeatures*h.maxbins+base:]
			sumRow := raw[planeSum*h.nfeatures*h.maxbins+base:]
			sqRow := raw[planeSqSum*h.nfeatures*h.maxbins+base:]
			bins := h.sampleBin[f]
			if sampleIDs == nil {
				for i, y := range pseudo {
					b := bins[i]
					countRow[b]++
					sumRow[b] += y
					sqRow[b] += y * y
				}
			} else {
				for _, i := range sampleIDs {
					b := bins[i]
					y := pseudo[i]
					countRow[b]++
					sumRow[b] += y
					sqRow[b] += y * y
				}
			}
			// cumulative along bins; tail bins beyond nbins[f] repeat
			// the final value so the planes stay rectangular
			for b := 1; b < h.maxbins; b++ {
				countRow[b] += countRow[b-1]
				sumRow[b] += sumRow[b-1]
				sqRow[b] += sqRow[b-1]
			}
			return nil
		})
	}
	g.Wait()

	last := h.maxbins - 1
	s.Count = int(s.at(planeCount, 0, last))
	s.Sum = s.at(planeSum, 0, last)
	s.SqSum = s.at(planeSqSum, 0, last)
	return s
}

// Subtract derives a sibling's statistics as parent minus child,
// avoiding a rescan of the sibling population.
func (s *NodeStats) Subtract(child *NodeStats) (*NodeStats, error) {
	diff, err := tensor.Sub(s.planes, child.planes)
	if err != nil {
		return nil, fmt.Errorf("tree: histogram subtraction: %w", err)
	}
	return &NodeStats{
		hist:   s.hist,
		planes: diff.(*tensor.Dense),
		Count:  s.Count - child.Count,
		Sum:    s.Sum - child.Sum,
		SqSum:  s.SqSum - child.SqSum,
	}, nil
}

// Split is a candidate partition of a node's population.
type Split struct {
	Feature   int
	Bin       int
	Threshold float64
	Gain      float64

	LeftCount, RightCount   int
	LeftSum, RightSum       float64
	LeftSqSum, RightSqSum   float64
	LeftDeviance, RightDeviance float64
}

type featureSplit struct {
	found bool
	split Split
}

// BestSplit scans every bin boundary of every candidate feature
// (nil means all) and returns the split with the highest variance
// reduction whose children both hold at least minls instances. Ties
// break toward the lowest feature index, then the lowest threshold.
func (s *NodeStats) BestSplit(minls int, features []int) (Split, bool) {
	h := s.hist
	if features == nil {
		features = make([]int, h.nfeatures)
		for f := range features {
			features[f] = f
		}
	}

	results := make([]featureSplit, len(features))
	var g errgroup.Group
	g.SetLimit(h.workers)
	for fi, f := range features {
		fi, f := fi, f
		g.Go(func() error {
			results[fi] = s.scanFeature(f, minls)
			return nil
		})
	}
	g.Wait()

	// reduce in ascending feature order so ties resolve to the lowest
	// feature index and, within a feature, the lowest threshold
	sort.Slice(results, func(a, b int) bool {
		return results[a].split.Feature < results[b].split.Feature
	})
	var best Split
	found := false
	for _, r := range results {
		if !r.found {
			continue
		}
		if !found || r.split.Gain > best.Gain {
			found = true
			best = r.split
		}
	}
	return best, found
}

func (s *NodeStats) scanFeature(f, minls int) featureSplit {
	h := s.hist
	nbins := h.nbins[f]
	last := nbins - 1

	total := s.at(planeSum, f, last)
	totalSq := s.at(planeSqSum, f, last)
	totalCount := int(s.at(planeCount, f, last))
	if totalCount == 0 {
		return featureSplit{}
	}
	base := total * total / float64(totalCount)

	out := featureSplit{split: Split{Feature: f}}
	for b := 0; b < last; b++ {
		lc := int(s.at(planeCount, f, b))
		rc := totalCount - lc
		if lc < minls || rc < minls {
			continue
		}
		lsum := s.at(planeSum, f, b)
		rsum := total - lsum
		gain := lsum*lsum/float64(lc) + rsum*rsum/float64(rc) - base
		if !out.found || gain > out.split.Gain {
			lsq := s.at(planeSqSum, f, b)
			rsq := totalSq - lsq
			out.found = true
			out.split = Split{
				Feature:       f,
				Bin:           b,
				Threshold:     h.thresholds[f][b],
				Gain:          gain,
				LeftCount:     lc,
				RightCount:    rc,
				LeftSum:       lsum,
				RightSum:      rsum,
				LeftSqSum:     lsq,
				RightSqSum:    rsq,
				LeftDeviance:  lsq - lsum*lsum/float64(lc),
				RightDeviance: rsq - rsum*rsum/float64(rc),
			}
		}
	}
	return out
}
