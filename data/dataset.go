// Package data holds query-grouped feature tables used by the
// learning and pruning packages. A Dataset is loaded once and stays
// read-only for the rest of a run; the only permitted mutation is an
// explicit layout transpose between the row-major (horizontal) and
// column-major (vertical) representations.
package data

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Format tells how the backing array is laid out.
type Format int

const (
	// Horizontal stores one instance per row.
	Horizontal Format = iota
	// Vertical stores one feature per row.
	Vertical
)

func (f Format) String() string {
	if f == Vertical {
		return "vertical"
	}
	return "horizontal"
}

// Dataset is an ordered sequence of queries, each owning a contiguous
// range of instances. Instance-to-query membership is immutable after
// load.
type Dataset struct {
	raw     []float64 // row-major over the current format
	labels  []float64
	offsets []int // len == NumQueries()+1, offsets[q] is the first instance of query q
	format  Format

	nfeatures int
}

// NewDataset returns an empty dataset in horizontal format for
// vectors of nfeatures features.
func NewDataset(nfeatures int) *Dataset {
	return &Dataset{
		offsets:   []int{0},
		format:    Horizontal,
		nfeatures: nfeatures,
	}
}

// AddInstance appends one labeled feature vector to query qid.
// Queries must arrive in order: qid is either the last query seen or
// the next one.
func (d *Dataset) AddInstance(qid int, label float64, features []float64) error {
	if len(features) != d.nfeatures {
		return fmt.Errorf("data: instance has %d features, dataset expects %d", len(features), d.nfeatures)
	}
	if d.format != Horizontal {
		return fmt.Errorf("data: cannot add instances to a %s dataset", d.format)
	}
	lastQuery := len(d.offsets) - 2
	switch {
	case qid == lastQuery+1:
		d.offsets = append(d.offsets, d.offsets[len(d.offsets)-1])
	case qid == lastQuery && lastQuery >= 0:
	default:
		return fmt.Errorf("data: query %d out of order, last query is %d", qid, lastQuery)
	}
	d.offsets[len(d.offsets)-1]++
	d.labels = append(d.labels, label)
	d.raw = append(d.raw, features...)
	return nil
}

// FromMatrix builds a dataset from an instances-by-features matrix, a
// label per instance and the query id of every instance. Query ids
// must be grouped.
func FromMatrix(features *mat.Dense, labels []float64, qids []int) (*Dataset, error) {
	n, f := features.Dims()
	if len(labels) != n || len(qids) != n {
		return nil, fmt.Errorf("data: %d instances but %d labels and %d query ids", n, len(labels), len(qids))
	}
	d := NewDataset(f)
	for i := 0; i < n; i++ {
		qid := len(d.offsets) - 2
		if i > 0 && qids[i] != qids[i-1] {
			for j := 0; j < i; j++ {
				if qids[j] == qids[i] {
					return nil, fmt.Errorf("data: query id %d is not contiguous", qids[i])
				}
			}
			qid++
		}
		if qid < 0 {
			qid = 0
		}
		if err := d.AddInstance(qid, labels[i], mat.Row(nil, i, features)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// NumInstances returns the number of feature vectors.
func (d *Dataset) NumInstances() int { return len(d.labels) }

// NumFeatures returns the width of every feature vector.
func (d *Dataset) NumFeatures() int { return d.nfeatures }

// NumQueries returns the number of queries.
func (d *Dataset) NumQueries() int { return len(d.offsets) - 1 }

// Offset returns the index of the first instance of query q. Valid
// for q in [0, NumQueries()]: Offset(NumQueries()) is NumInstances(),
// so the instances of query q are [Offset(q), Offset(q+1)).
func (d *Dataset) Offset(q int) int { return d.offsets[q] }

// Label returns the relevance label of instance i.
func (d *Dataset) Label(i int) float64 { return d.labels[i] }

// Labels returns the label array. Callers must not mutate it.
func (d *Dataset) Labels() []float64 { return d.labels }

// Feature returns feature f of instance i regardless of the current
// layout.
func (d *Dataset) Feature(i, f int) float64 {
	if d.format == Vertical {
		return d.raw[f*len(d.labels)+i]
	}
	return d.raw[i*d.nfeatures+f]
}

// Matrix returns the backing array as a dense matrix in the current
// layout: instances-by-features when horizontal, transposed when
// vertical. The matrix shares storage with the dataset.
func (d *Dataset) Matrix() *mat.Dense {
	if d.format == Vertical {
		return mat.NewDense(d.nfeatures, len(d.labels), d.raw)
	}
	return mat.NewDense(len(d.labels), d.nfeatures, d.raw)
}

// Format reports the current layout.
func (d *Dataset) Format() Format { return d.format }

// Transpose flips the layout between horizontal and vertical. The
// content is unchanged; only the backing array orientation moves.
// It must complete before any concurrent reader begins.
func (d *Dataset) Transpose() {
	if len(d.raw) > 0 {
		flipped := mat.DenseCopyOf(d.Matrix().T())
		d.raw = flipped.RawMatrix().Data
	}
	if d.format == Horizontal {
		d.format = Vertical
	} else {
		d.format = Horizontal
	}
}

// MaxLabel returns the highest relevance label in the dataset.
func (d *Dataset) MaxLabel() float64 {
	best := 0.0
	for _, l := range d.labels {
		if l > best {
			best = l
		}
	}
	return best
}
