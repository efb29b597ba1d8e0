package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

func writeNpy(t *testing.T, path string, m *mat.Dense) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()
	if err := npyio.Write(f, m); err != nil {
		t.Fatalf("npyio.Write: %v", err)
	}
}

func TestReadNpyDataset(t *testing.T) {
	dir := t.TempDir()
	features := filepath.Join(dir, "features.npy")
	labels := filepath.Join(dir, "labels.npy")
	qids := filepath.Join(dir, "qids.npy")

	writeNpy(t, features, mat.NewDense(5, 2, []float64{
		1, 2,
		3, 4,
		5, 6,
		7, 8,
		9, 10,
	}))
	writeNpy(t, labels, mat.NewDense(5, 1, []float64{0, 1, 2, 0, 1}))
	writeNpy(t, qids, mat.NewDense(5, 1, []float64{0, 0, 0, 1, 1}))

	ds, err := ReadNpyDataset(features, labels, qids)
	if err != nil {
		t.Fatalf("ReadNpyDataset: %v", err)
	}
	if ds.NumInstances() != 5 || ds.NumFeatures() != 2 || ds.NumQueries() != 2 {
		t.Fatalf("got %d instances, %d features, %d queries",
			ds.NumInstances(), ds.NumFeatures(), ds.NumQueries())
	}
	if ds.Feature(2, 1) != 6 {
		t.Fatalf("feature (2,1) = %g, want 6", ds.Feature(2, 1))
	}
	if ds.Label(4) != 1 {
		t.Fatalf("label 4 = %g, want 1", ds.Label(4))
	}
	if ds.Offset(1) != 3 {
		t.Fatalf("query 1 starts at %d, want 3", ds.Offset(1))
	}
}

func TestReadNpyMissingFile(t *testing.T) {
	if _, err := ReadNpy(filepath.Join(t.TempDir(), "absent.npy")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
