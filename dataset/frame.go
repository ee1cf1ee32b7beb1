// Package dataset reads and writes the tabular files exchanged between stages.
//
// A Frame keeps every cell as the string found in the file so that the
// preprocessing stage can decide per column how to interpret it. A Partition
// is the numeric view used by training and evaluation: label in column 0,
// features in the remaining columns, in file order.
package dataset

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// Frame is a header plus string cells, row major.
type Frame struct {
	Header []string
	Rows   [][]string
}

// ReadCSV reads a comma separated file with a header row.
func ReadCSV(r io.Reader) (*Frame, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.Wrap(errors.ErrEmptyData, "csv has no header row")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read csv header")
	}
	// Excel exports prefix the first header cell with a UTF-8 BOM.
	if len(header) > 0 {
		header[0] = trimBOM(header[0])
	}

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read csv row %d", len(rows)+1)
		}
		rows = append(rows, record)
	}

	return &Frame{Header: header, Rows: rows}, nil
}

// ReadCSVFile opens path and reads it with ReadCSV. A missing file is
// reported with an error that matches os.ErrNotExist.
func ReadCSVFile(path string) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer file.Close()

	frame, err := ReadCSV(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return frame, nil
}

// NRows returns the number of data rows.
func (f *Frame) NRows() int {
	return len(f.Rows)
}

// ColumnIndex returns the position of name in the header, or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, h := range f.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of the cells of column name.
func (f *Frame) Column(name string) ([]string, error) {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return nil, errors.Wrapf(errors.ErrMissingColumn, "column %q", name)
	}
	return f.ColumnAt(idx), nil
}

// ColumnAt returns a copy of the cells at position idx.
func (f *Frame) ColumnAt(idx int) []string {
	out := make([]string, len(f.Rows))
	for i, row := range f.Rows {
		if idx < len(row) {
			out[i] = row[idx]
		}
	}
	return out
}

// SetColumnAt replaces the cells at position idx.
func (f *Frame) SetColumnAt(idx int, values []string) error {
	if len(values) != len(f.Rows) {
		return errors.NewDimensionError("SetColumnAt", len(f.Rows), len(values), 0)
	}
	for i := range f.Rows {
		f.Rows[i][idx] = values[i]
	}
	return nil
}

// DropColumn removes column name from the header and every row.
func (f *Frame) DropColumn(name string) error {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return errors.Wrapf(errors.ErrMissingColumn, "column %q", name)
	}
	f.Header = removeAt(f.Header, idx)
	for i, row := range f.Rows {
		f.Rows[i] = removeAt(row, idx)
	}
	return nil
}

// MoveToFront moves column name to position 0 keeping the order of the rest.
func (f *Frame) MoveToFront(name string) error {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return errors.Wrapf(errors.ErrMissingColumn, "column %q", name)
	}
	f.Header = moveToFront(f.Header, idx)
	for i, row := range f.Rows {
		f.Rows[i] = moveToFront(row, idx)
	}
	return nil
}

// Subset returns a frame holding the rows at the given positions, in that order.
// Rows are shared with f.
func (f *Frame) Subset(indices []int) *Frame {
	rows := make([][]string, len(indices))
	for i, idx := range indices {
		rows[i] = f.Rows[idx]
	}
	header := make([]string, len(f.Header))
	copy(header, f.Header)
	return &Frame{Header: header, Rows: rows}
}

// WriteCSV writes the header and rows.
func (f *Frame) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(f.Header); err != nil {
		return errors.Wrap(err, "failed to write csv header")
	}
	if err := writer.WriteAll(f.Rows); err != nil {
		return errors.Wrap(err, "failed to write csv rows")
	}
	return nil
}

// WriteCSVFile writes the frame to path, creating parent directories.
func (f *Frame) WriteCSVFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := f.WriteCSV(file); err != nil {
		file.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := file.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", path)
	}
	return nil
}

func removeAt(s []string, idx int) []string {
	if idx >= len(s) {
		return s
	}
	out := make([]string, 0, len(s)-1)
	out = append(out, s[:idx]...)
	return append(out, s[idx+1:]...)
}

func moveToFront(s []string, idx int) []string {
	if idx == 0 || idx >= len(s) {
		return s
	}
	out := make([]string, 0, len(s))
	out = append(out, s[idx])
	out = append(out, s[:idx]...)
	return append(out, s[idx+1:]...)
}

func trimBOM(s string) string {
	const bom = "\ufeff"
	if len(s) >= len(bom) && s[:len(bom)] == bom {
		return s[len(bom):]
	}
	return s
}
