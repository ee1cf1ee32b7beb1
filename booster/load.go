package booster

import (
	"bufio"
	"io"
	"os"
	"unicode"

	"github.com/YuminosukeSato/churnpipe/core/model"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// Load reads either a JSON model written by Classifier.Save or a native
// XGBoost binary model. The format is detected from the first non-space byte.
func Load(r io.Reader) (model.ProbabilisticClassifier, error) {
	br := bufio.NewReader(r)
	for {
		b, err := br.Peek(1)
		if err == io.EOF {
			return nil, errors.NewModelError("booster.Load", "empty model file", errors.ErrEmptyData)
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read model")
		}
		if !unicode.IsSpace(rune(b[0])) {
			break
		}
		if _, err := br.ReadByte(); err != nil {
			return nil, errors.Wrap(err, "failed to read model")
		}
	}

	head, _ := br.Peek(1)
	if head[0] == '{' {
		clf := NewClassifier(DefaultParams())
		if err := clf.LoadFrom(br); err != nil {
			return nil, err
		}
		return clf, nil
	}
	return LoadXGBoost(br)
}

// LoadFile opens path and calls Load.
func LoadFile(path string) (model.ProbabilisticClassifier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open model %s", path)
	}
	defer f.Close()
	return Load(f)
}
