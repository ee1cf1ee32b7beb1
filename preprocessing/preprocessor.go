package preprocessing

import (
	"github.com/YuminosukeSato/churnpipe/dataset"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// Preprocessor は生データのFrameを学習用の数値Frameに変換する
//
// 処理順:
//  1. 識別子列を削除
//  2. NumericColumns を数値に強制変換（失敗は0.0）
//  3. 数値として解釈できない値を含む列をラベル符号化
//  4. ラベル列を先頭に移動
type Preprocessor struct {
	IDColumn       string
	LabelColumn    string
	NumericColumns []string
}

// Report は Apply の結果の統計
type Report struct {
	// Coerced は列ごとの0.0に置き換えた件数
	Coerced map[string]int
	// Encoded はラベル符号化した列
	Encoded []string
}

// Fit は生データからEncoderSetを学習する。frame は変更しない
func (p *Preprocessor) Fit(frame *dataset.Frame) (*EncoderSet, error) {
	if err := p.checkColumns(frame); err != nil {
		return nil, err
	}

	skip := map[string]bool{}
	if p.IDColumn != "" {
		skip[p.IDColumn] = true
	}
	for _, c := range p.NumericColumns {
		skip[c] = true
	}

	set := &EncoderSet{
		Version:        EncoderSetVersion,
		IDColumn:       p.IDColumn,
		LabelColumn:    p.LabelColumn,
		NumericColumns: append([]string(nil), p.NumericColumns...),
		Columns:        []ColumnEncoding{},
	}

	for idx, name := range frame.Header {
		if skip[name] {
			continue
		}
		values := frame.ColumnAt(idx)
		if IsNumericColumn(values) {
			continue
		}
		enc := NewLabelEncoder()
		if err := enc.Fit(values); err != nil {
			return nil, errors.Wrapf(err, "column %q", name)
		}
		set.Columns = append(set.Columns, ColumnEncoding{Name: name, Classes: enc.Classes})
	}

	return set, nil
}

// Apply はEncoderSetに従って frame をその場で変換する
//
// set に無い非数値列が残っている場合はValueErrorを返す。
func Apply(set *EncoderSet, frame *dataset.Frame) (*Report, error) {
	p := &Preprocessor{IDColumn: set.IDColumn, LabelColumn: set.LabelColumn, NumericColumns: set.NumericColumns}
	if err := p.checkColumns(frame); err != nil {
		return nil, err
	}

	if set.IDColumn != "" {
		if err := frame.DropColumn(set.IDColumn); err != nil {
			return nil, err
		}
	}

	report := &Report{Coerced: make(map[string]int)}

	for _, name := range set.NumericColumns {
		idx := frame.ColumnIndex(name)
		values, failed := CoerceNumeric(name, frame.ColumnAt(idx))
		if err := frame.SetColumnAt(idx, FormatFloats(values)); err != nil {
			return nil, err
		}
		report.Coerced[name] = failed
	}

	for _, c := range set.Columns {
		idx := frame.ColumnIndex(c.Name)
		if idx < 0 {
			return nil, errors.Wrapf(errors.ErrMissingColumn, "encoded column %q", c.Name)
		}
		enc, _ := set.Encoder(c.Name)
		codes, err := enc.Transform(frame.ColumnAt(idx))
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", c.Name)
		}
		if err := frame.SetColumnAt(idx, FormatCodes(codes)); err != nil {
			return nil, err
		}
		report.Encoded = append(report.Encoded, c.Name)
	}

	for idx, name := range frame.Header {
		if !IsNumericColumn(frame.ColumnAt(idx)) {
			return nil, errors.NewValueError("Apply", "column "+name+" is not numeric and has no encoder")
		}
	}

	if err := frame.MoveToFront(set.LabelColumn); err != nil {
		return nil, err
	}
	return report, nil
}

// FitApply は Fit と Apply を続けて実行する
func (p *Preprocessor) FitApply(frame *dataset.Frame) (*EncoderSet, *Report, error) {
	set, err := p.Fit(frame)
	if err != nil {
		return nil, nil, err
	}
	report, err := Apply(set, frame)
	if err != nil {
		return nil, nil, err
	}
	return set, report, nil
}

func (p *Preprocessor) checkColumns(frame *dataset.Frame) error {
	if p.LabelColumn == "" {
		return errors.NewValidationError("label_column", "is required", p.LabelColumn)
	}
	required := append([]string{p.LabelColumn}, p.NumericColumns...)
	if p.IDColumn != "" {
		required = append(required, p.IDColumn)
	}
	for _, name := range required {
		if frame.ColumnIndex(name) < 0 {
			return errors.Wrapf(errors.ErrMissingColumn, "column %q", name)
		}
	}
	return nil
}
