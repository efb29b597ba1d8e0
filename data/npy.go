package data

import (
	"fmt"
	"os"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// ReadNpy reads a dense float64 matrix from an .npy file.
func ReadNpy(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("data: reading %s: %w", path, err)
	}
	m := &mat.Dense{}
	if err := r.Read(m); err != nil {
		return nil, fmt.Errorf("data: reading %s: %w", path, err)
	}
	return m, nil
}

// ReadNpyDataset assembles a dataset from three .npy files: an
// instances-by-features matrix, an n-by-1 label column and an n-by-1
// column of grouped query ids.
func ReadNpyDataset(featuresPath, labelsPath, qidsPath string) (*Dataset, error) {
	features, err := ReadNpy(featuresPath)
	if err != nil {
		return nil, err
	}
	labelsMat, err := ReadNpy(labelsPath)
	if err != nil {
		return nil, err
	}
	qidsMat, err := ReadNpy(qidsPath)
	if err != nil {
		return nil, err
	}

	n, _ := features.Dims()
	labels := make([]float64, n)
	qids := make([]int, n)
	for i := 0; i < n; i++ {
		labels[i] = labelsMat.At(i, 0)
		qids[i] = int(qidsMat.At(i, 0))
	}
	return FromMatrix(features, labels, qids)
}
