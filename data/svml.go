package data

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ReadSVMLight parses the sparse "label qid:n f:v ..." ranking format
// into a horizontal dataset. Feature indices are 1-based in the file;
// missing features read as zero. nfeatures 0 means infer the width
// from the data.
func ReadSVMLight(r io.Reader, nfeatures int) (*Dataset, error) {
	type row struct {
		qid      string
		label    float64
		features map[int]float64
	}

	var (
		rows    []row
		width   = nfeatures
		scanner = bufio.NewScanner(r)
		lineno  int
	)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		label, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("data: line %d: bad label %q: %w", lineno, fields[0], err)
		}
		cur := row{label: label, features: make(map[int]float64, len(fields))}
		for _, field := range fields[1:] {
			key, value, ok := strings.Cut(field, ":")
			if !ok {
				return nil, fmt.Errorf("data: line %d: bad pair %q", lineno, field)
			}
			if key == "qid" {
				cur.qid = value
				continue
			}
			f, err := strconv.Atoi(key)
			if err != nil || f < 1 {
				return nil, fmt.Errorf("data: line %d: bad feature index %q", lineno, key)
			}
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("data: line %d: bad feature value %q: %w", lineno, value, err)
			}
			cur.features[f-1] = v
			if f > width {
				width = f
			}
		}
		rows = append(rows, cur)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("data: reading svmlight input: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("data: empty svmlight input")
	}

	d := NewDataset(width)
	vec := make([]float64, width)
	qid := -1
	lastQid := ""
	for _, cur := range rows {
		if qid < 0 || cur.qid != lastQid {
			qid++
			lastQid = cur.qid
		}
		for i := range vec {
			vec[i] = 0
		}
		for f, v := range cur.features {
			vec[f] = v
		}
		if err := d.AddInstance(qid, cur.label, vec); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// ReadSVMLightFile is ReadSVMLight over a file path.
func ReadSVMLightFile(path string, nfeatures int) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	defer f.Close()
	return ReadSVMLight(f, nfeatures)
}
