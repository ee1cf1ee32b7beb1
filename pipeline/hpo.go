package pipeline

import (
	"fmt"
	"io"
	"math"

	"github.com/YuminosukeSato/churnpipe/preprocessing"
)

// hpoMetric is one "validation:<name>: <value>" line.
type hpoMetric struct {
	Name  string
	Value float64
}

// writeHPOLines prints the metrics in order, one line each, in the format
// parsed by the hyperparameter tuning controller.
func writeHPOLines(w io.Writer, metrics ...hpoMetric) error {
	for _, m := range metrics {
		if _, err := fmt.Fprintf(w, "validation:%s: %s\n", m.Name, formatMetric(m.Value)); err != nil {
			return err
		}
	}
	return nil
}

// formatMetric renders v like Python's repr(float): 0.8, 1.0, 1e-05, nan.
func formatMetric(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return preprocessing.FormatFloat(v)
}
