package forest

// Sampler chooses the instance population entering the histogram
// refresh and the tree fit of one iteration. A nil id slice means
// every instance; the presence mask, when non-nil, marks the chosen
// instances for the pseudo-response computation.
type Sampler interface {
	Name() string
	Sample(st *trainState) (ids []int, presence []bool)
	// Observe feeds back whether the finished iteration improved the
	// best metric, for samplers that adapt their mix over time.
	Observe(improved bool)
}

// allSampler trains every iteration on the full population.
type allSampler struct{}

func (allSampler) Name() string                            { return "all" }
func (allSampler) Sample(*trainState) ([]int, []bool)      { return nil, nil }
func (allSampler) Observe(bool)                            {}
