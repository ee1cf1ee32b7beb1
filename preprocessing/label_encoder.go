package preprocessing

import (
	"sort"
	"strconv"

	"github.com/YuminosukeSato/churnpipe/core/model"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

var _ model.ColumnEncoder = (*LabelEncoder)(nil)

// LabelEncoder はscikit-learn互換のラベルエンコーダー
// 列内の異なる値を辞書順に並べ、その位置 (0..n_classes-1) をコードとする
type LabelEncoder struct {
	// Classes は学習されたクラス（辞書順）
	Classes []string `json:"classes"`

	index map[string]int
}

// NewLabelEncoder は新しいLabelEncoderを作成する
//
// 使用例:
//
//	enc := preprocessing.NewLabelEncoder()
//	codes, err := enc.FitTransform([]string{"No", "Yes", "No"})
//	// codes == [0 1 0]
func NewLabelEncoder() *LabelEncoder {
	return &LabelEncoder{}
}

// Fit は値の集合からクラスを学習する
//
// パラメータ:
//   - values: 1列分の値
//
// 戻り値:
//   - error: 値が空の場合
func (e *LabelEncoder) Fit(values []string) error {
	if len(values) == 0 {
		return errors.NewModelError("LabelEncoder.Fit", "empty data", errors.ErrEmptyData)
	}

	seen := make(map[string]struct{}, 8)
	for _, v := range values {
		seen[v] = struct{}{}
	}
	classes := make([]string, 0, len(seen))
	for v := range seen {
		classes = append(classes, v)
	}
	sort.Strings(classes)

	e.Classes = classes
	e.buildIndex()
	return nil
}

// Transform は値をコードに変換する
//
// 学習時に見ていない値が含まれる場合はValueErrorを返す
func (e *LabelEncoder) Transform(values []string) ([]float64, error) {
	if !e.IsFitted() {
		return nil, errors.NewNotFittedError("LabelEncoder", "Transform")
	}

	codes := make([]float64, len(values))
	for i, v := range values {
		code, ok := e.index[v]
		if !ok {
			return nil, errors.NewValueError("LabelEncoder.Transform",
				"y contains previously unseen label "+strconv.Quote(v))
		}
		codes[i] = float64(code)
	}
	return codes, nil
}

// FitTransform はFitとTransformを同時に実行する
func (e *LabelEncoder) FitTransform(values []string) ([]float64, error) {
	if err := e.Fit(values); err != nil {
		return nil, err
	}
	return e.Transform(values)
}

// InverseTransform はコードを元の値に戻す
func (e *LabelEncoder) InverseTransform(codes []float64) ([]string, error) {
	if !e.IsFitted() {
		return nil, errors.NewNotFittedError("LabelEncoder", "InverseTransform")
	}

	values := make([]string, len(codes))
	for i, c := range codes {
		idx := int(c)
		if float64(idx) != c || idx < 0 || idx >= len(e.Classes) {
			return nil, errors.NewValueError("LabelEncoder.InverseTransform",
				"code "+strconv.FormatFloat(c, 'g', -1, 64)+" is out of range")
		}
		values[i] = e.Classes[idx]
	}
	return values, nil
}

// IsFitted はエンコーダーが学習済みかどうかを返す
func (e *LabelEncoder) IsFitted() bool {
	if e.index == nil && e.Classes != nil {
		// JSONから読み込んだ直後
		e.buildIndex()
	}
	return e.index != nil
}

func (e *LabelEncoder) buildIndex() {
	e.index = make(map[string]int, len(e.Classes))
	for i, c := range e.Classes {
		e.index[c] = i
	}
}
