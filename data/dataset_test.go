package data

import (
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func createTestDataset(t *testing.T) *Dataset {
	t.Helper()
	d := NewDataset(2)
	rows := []struct {
		qid      int
		label    float64
		features []float64
	}{
		{0, 0, []float64{1, 10}},
		{0, 1, []float64{2, 20}},
		{0, 2, []float64{3, 30}},
		{1, 1, []float64{4, 40}},
		{1, 0, []float64{5, 50}},
	}
	for _, r := range rows {
		if err := d.AddInstance(r.qid, r.label, r.features); err != nil {
			t.Fatalf("AddInstance(%v): %v", r, err)
		}
	}
	return d
}

func TestDatasetAccessors(t *testing.T) {
	d := createTestDataset(t)

	if d.NumInstances() != 5 {
		t.Fatalf("expected 5 instances, got %d", d.NumInstances())
	}
	if d.NumFeatures() != 2 {
		t.Fatalf("expected 2 features, got %d", d.NumFeatures())
	}
	if d.NumQueries() != 2 {
		t.Fatalf("expected 2 queries, got %d", d.NumQueries())
	}
	if d.Offset(0) != 0 || d.Offset(1) != 3 || d.Offset(2) != 5 {
		t.Fatalf("bad offsets: %d %d %d", d.Offset(0), d.Offset(1), d.Offset(2))
	}
	if d.Label(3) != 1 {
		t.Fatalf("expected label 1 at instance 3, got %g", d.Label(3))
	}
	if d.Feature(2, 1) != 30 {
		t.Fatalf("expected feature (2,1) == 30, got %g", d.Feature(2, 1))
	}
	if d.MaxLabel() != 2 {
		t.Fatalf("expected max label 2, got %g", d.MaxLabel())
	}
}

func TestAddInstanceErrors(t *testing.T) {
	d := NewDataset(2)
	if err := d.AddInstance(0, 1, []float64{1}); err == nil {
		t.Fatal("expected an error for a short feature vector")
	}
	if err := d.AddInstance(0, 1, []float64{1, 2}); err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	if err := d.AddInstance(2, 1, []float64{1, 2}); err == nil {
		t.Fatal("expected an error for a query id gap")
	}
}

func TestTransposeKeepsValues(t *testing.T) {
	d := createTestDataset(t)
	want := make([][]float64, d.NumInstances())
	for i := range want {
		want[i] = []float64{d.Feature(i, 0), d.Feature(i, 1)}
	}

	d.Transpose()
	if d.Format() != Vertical {
		t.Fatalf("expected vertical format after transpose, got %s", d.Format())
	}
	for i := range want {
		for f := range want[i] {
			if got := d.Feature(i, f); got != want[i][f] {
				t.Fatalf("feature (%d,%d) changed after transpose: %g != %g", i, f, got, want[i][f])
			}
		}
	}

	d.Transpose()
	if d.Format() != Horizontal {
		t.Fatalf("expected horizontal format after double transpose, got %s", d.Format())
	}
	for i := range want {
		for f := range want[i] {
			if got := d.Feature(i, f); got != want[i][f] {
				t.Fatalf("feature (%d,%d) changed after round trip: %g != %g", i, f, got, want[i][f])
			}
		}
	}
}

func TestFromMatrix(t *testing.T) {
	features := mat.NewDense(4, 2, []float64{
		1, 2,
		3, 4,
		5, 6,
		7, 8,
	})
	labels := []float64{0, 1, 2, 0}
	qids := []int{7, 7, 9, 9}

	d, err := FromMatrix(features, labels, qids)
	if err != nil {
		t.Fatalf("FromMatrix: %v", err)
	}
	if d.NumQueries() != 2 {
		t.Fatalf("expected 2 queries, got %d", d.NumQueries())
	}
	if d.Feature(2, 0) != 5 {
		t.Fatalf("expected feature (2,0) == 5, got %g", d.Feature(2, 0))
	}

	if _, err := FromMatrix(features, labels, []int{7, 9, 7, 9}); err == nil {
		t.Fatal("expected an error for non-contiguous query ids")
	}
}

func TestReadSVMLight(t *testing.T) {
	input := `2 qid:1 1:0.5 3:1.5 # first doc
0 qid:1 2:2.0
1 qid:2 1:1.0 2:1.0 3:1.0
`
	d, err := ReadSVMLight(strings.NewReader(input), 0)
	if err != nil {
		t.Fatalf("ReadSVMLight: %v", err)
	}
	if d.NumFeatures() != 3 {
		t.Fatalf("expected 3 inferred features, got %d", d.NumFeatures())
	}
	if d.NumQueries() != 2 {
		t.Fatalf("expected 2 queries, got %d", d.NumQueries())
	}
	if d.Label(0) != 2 {
		t.Fatalf("expected label 2, got %g", d.Label(0))
	}
	if math.Abs(d.Feature(0, 2)-1.5) > 1e-12 {
		t.Fatalf("expected feature (0,2) == 1.5, got %g", d.Feature(0, 2))
	}
	if d.Feature(1, 0) != 0 {
		t.Fatalf("expected a missing feature to read as 0, got %g", d.Feature(1, 0))
	}

	if _, err := ReadSVMLight(strings.NewReader("x qid:1 1:1"), 0); err == nil {
		t.Fatal("expected an error for a bad label")
	}
	if _, err := ReadSVMLight(strings.NewReader(""), 0); err == nil {
		t.Fatal("expected an error for empty input")
	}
}
