package dataset

import (
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// Partition is an encoded train or test file in numeric form.
type Partition struct {
	// Features is n×d, columns in file order after the label.
	Features *mat.Dense
	// Labels holds the 0/1 values of column 0.
	Labels *mat.VecDense

	LabelName    string
	FeatureNames []string
}

// NSamples returns the number of rows.
func (p *Partition) NSamples() int {
	return p.Labels.Len()
}

// NFeatures returns the number of feature columns.
func (p *Partition) NFeatures() int {
	return len(p.FeatureNames)
}

// LoadPartition reads a partition file from path.
func LoadPartition(path string) (*Partition, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer file.Close()

	p, err := ReadPartition(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load partition %s", path)
	}
	return p, nil
}

// ReadPartition reads a partition: header row, label in column 0, numeric cells.
// Empty feature cells become NaN. Labels must be 0 or 1.
func ReadPartition(r io.Reader) (*Partition, error) {
	frame, err := ReadCSV(r)
	if err != nil {
		return nil, err
	}
	return FrameToPartition(frame)
}

// FrameToPartition converts an already encoded frame.
func FrameToPartition(frame *Frame) (*Partition, error) {
	if len(frame.Header) < 2 {
		return nil, errors.NewValueError("ReadPartition",
			"a partition needs a label column and at least one feature column")
	}
	n := frame.NRows()
	if n == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "partition has no rows")
	}
	d := len(frame.Header) - 1

	features := mat.NewDense(n, d, nil)
	labels := mat.NewVecDense(n, nil)

	for i, row := range frame.Rows {
		if len(row) != d+1 {
			return nil, errors.NewDimensionError("ReadPartition", d+1, len(row), 1)
		}

		label, err := parseLabel(row[0])
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i+1)
		}
		labels.SetVec(i, label)

		for j := 0; j < d; j++ {
			v, err := ParseCell(row[j+1])
			if err != nil {
				return nil, errors.Wrapf(err, "row %d column %q", i+1, frame.Header[j+1])
			}
			features.Set(i, j, v)
		}
	}

	names := make([]string, d)
	copy(names, frame.Header[1:])

	return &Partition{
		Features:     features,
		Labels:       labels,
		LabelName:    frame.Header[0],
		FeatureNames: names,
	}, nil
}

// ParseCell parses a numeric cell. Empty cells are NaN.
func ParseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.NewValueError("ParseCell", "non-numeric value "+strconv.Quote(s))
	}
	return v, nil
}

func parseLabel(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || (v != 0 && v != 1) {
		return 0, errors.NewValueError("ReadPartition", "label must be 0 or 1, got "+strconv.Quote(s))
	}
	return v, nil
}
