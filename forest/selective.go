package forest

import (
	"math"
	"sort"
)

// selectiveSampler restricts each iteration's training population to,
// per query, the positives plus a dynamically chosen subset of
// negatives: the top-ranked ones, random ones, or ones positioned
// above the lowest-ranked positive, mixed according to the adaptive
// strategy and an adapt factor driven by the recent improvement rate.
type selectiveSampler struct {
	cfg SelectiveConfig

	base       []int // identity permutation, reset before every resample
	current    []int
	selected   int
	npositives []int

	improvements []bool
	adaptFactor  float64
}

func newSelectiveSampler(cfg SelectiveConfig) *selectiveSampler {
	window := int(cfg.NormalizationFactor)
	if window < 1 {
		window = 1
	}
	improvements := make([]bool, window)
	for i := range improvements {
		improvements[i] = true
	}
	return &selectiveSampler{cfg: cfg, improvements: improvements, adaptFactor: 1}
}

func (s *selectiveSampler) Name() string { return "selective" }

func (s *selectiveSampler) Observe(improved bool) {
	if s.cfg.AdaptiveStrategy == "NO" || s.cfg.NormalizationFactor <= 0 {
		return
	}
	copy(s.improvements, s.improvements[1:])
	s.improvements[len(s.improvements)-1] = improved
	hits := 0.0
	for _, ok := range s.improvements {
		if ok {
			hits++
		}
	}
	s.adaptFactor = hits / float64(len(s.improvements))
}

func (s *selectiveSampler) init(st *trainState) {
	n := st.train.NumInstances()
	s.base = make([]int, n)
	for i := range s.base {
		s.base[i] = i
	}
	s.current = append([]int(nil), s.base...)
	s.selected = n

	s.npositives = make([]int, st.train.NumQueries())
	for q := range s.npositives {
		start, end := st.train.Offset(q), st.train.Offset(q+1)
		for i := start; i < end; i++ {
			if st.train.Label(i) > 0 {
				s.npositives[q]++
			}
		}
	}
}

// Sample resamples the per-query negatives every SamplingIterations
// iterations and otherwise reuses the previous selection.
func (s *selectiveSampler) Sample(st *trainState) ([]int, []bool) {
	if s.base == nil {
		s.init(st)
	}
	noSampling := s.cfg.RankSamplingFactor <= 0 && s.cfg.RandomSamplingFactor <= 0
	if noSampling {
		return nil, nil
	}
	resample := s.cfg.SamplingIterations > 0 &&
		st.iter > 0 && st.iter%s.cfg.SamplingIterations == 0
	if resample {
		copy(s.current, s.base)
		s.selected = s.sampleQueryLevel(st)
		st.log.Infow("reduced training population",
			"from", len(s.base), "to", s.selected)
	}
	if s.selected == len(s.base) {
		return nil, nil
	}
	ids := s.current[:s.selected]
	presence := make([]bool, len(s.base))
	for _, i := range ids {
		presence[i] = true
	}
	return ids, presence
}

// factors derives the rank/random mixing pair from the adaptive
// strategy and the current adapt factor.
func (s *selectiveSampler) factors() (rankFactor, randomFactor float64) {
	rank, random := s.cfg.RankSamplingFactor, s.cfg.RandomSamplingFactor
	invAdapt := 1 - s.adaptFactor
	switch s.cfg.AdaptiveStrategy {
	case "FIXED":
		lo, hi := math.Min(rank, random), math.Max(rank, random)
		v := lo + invAdapt*(hi-lo)
		return v, v
	case "RATIO":
		sum := rank + random
		rankFactor = sum * s.adaptFactor
		return rankFactor, sum - rankFactor
	case "MIX":
		lo, hi := math.Min(rank, random), math.Max(rank, random)
		factor := lo + invAdapt*(hi-lo)
		rankFactor = factor * s.adaptFactor
		return rankFactor, factor - rankFactor
	default: // "NO"
		return rank, random
	}
}

func (s *selectiveSampler) sampleQueryLevel(st *trainState) int {
	ds := st.train
	scores := st.trainScores
	rankFactor, randomFactor := s.factors()
	st.log.Debugw("selective sampling factors",
		"rank", rankFactor, "random", randomFactor, "adapt", s.adaptFactor)

	cursor := 0
	for q := 0; q < ds.NumQueries(); q++ {
		start, end := ds.Offset(q), ds.Offset(q+1)
		querySize := end - start
		npos := s.npositives[q]
		nneg := querySize - npos

		region := s.current[start:end]

		var ntop, nrandom int
		switch s.cfg.NegativeStrategy {
		case "RATIO":
			ntop = int(math.Round(rankFactor * float64(nneg)))
			nrandom = int(math.Round(randomFactor * float64(nneg)))
		case "MUL":
			ntop = min(int(math.Round(rankFactor*float64(npos))), nneg)
			nrandom = min(int(math.Round(randomFactor*float64(npos))), nneg)
		case "POS":
			// a query with no positive contributes no sampled negatives
			if npos > 0 {
				sort.SliceStable(region, func(a, b int) bool {
					return scores[region[a]] > scores[region[b]]
				})
				lastPos := 0
				for i := 0; i < querySize; i++ {
					if ds.Label(region[i]) > 0 {
						lastPos = i
					}
				}
				negBeforeLastPos := lastPos - npos + 1
				ntop = min(int(math.Round(rankFactor*float64(negBeforeLastPos))), nneg)
				nrandom = min(int(math.Round(randomFactor*float64(negBeforeLastPos))), nneg-ntop)
			}
		}
		if ntop+nrandom > nneg {
			nrandom = nneg - ntop
		}
		ntotal := ntop + nrandom

		// positives first, then negatives, both by descending score
		sort.SliceStable(region, func(a, b int) bool {
			ia, ib := region[a], region[b]
			posA, posB := ds.Label(ia) > 0, ds.Label(ib) > 0
			if posA != posB {
				return posA
			}
			return scores[ia] > scores[ib]
		})

		keep := npos + ntop
		if nrandom > 0 {
			candidates := make([]int, querySize-keep)
			for i := range candidates {
				candidates[i] = keep + i
			}
			st.rng.Shuffle(len(candidates), func(a, b int) {
				candidates[a], candidates[b] = candidates[b], candidates[a]
			})
			for j := 0; j < nrandom; j++ {
				region[keep+j], region[candidates[j]] = region[candidates[j]], region[keep+j]
			}
		}

		copy(s.current[cursor:cursor+npos+ntotal], region[:npos+ntotal])
		cursor += npos + ntotal
	}
	return cursor
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
