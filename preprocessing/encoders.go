package preprocessing

import (
	"github.com/YuminosukeSato/churnpipe/core/model"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// EncoderSetVersion はエンコーダー成果物の形式バージョン
const EncoderSetVersion = "1"

// ColumnEncoding は1列分の学習済みラベル対応表
type ColumnEncoding struct {
	Name    string   `json:"name"`
	Classes []string `json:"classes"`
}

// EncoderSet は前処理で学習した変換の全体
//
// ファイルとして保存され、推論時にも同じ対応表で入力を符号化できるようにする。
type EncoderSet struct {
	Version string `json:"version"`
	// IDColumn は削除された識別子列（空なら削除しない）
	IDColumn string `json:"id_column,omitempty"`
	// LabelColumn は先頭に移動されるラベル列
	LabelColumn string `json:"label_column"`
	// NumericColumns は数値に強制変換された列
	NumericColumns []string `json:"numeric_columns"`
	// Columns はラベル符号化された列（元のファイルでの出現順）
	Columns []ColumnEncoding `json:"columns"`
}

// Encoder は列名に対応するLabelEncoderを返す
func (s *EncoderSet) Encoder(name string) (*LabelEncoder, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			enc := &LabelEncoder{Classes: c.Classes}
			enc.buildIndex()
			return enc, true
		}
	}
	return nil, false
}

// Validate は読み込んだ成果物の整合性を確認する
func (s *EncoderSet) Validate() error {
	if s.Version != EncoderSetVersion {
		return errors.NewValidationError("version", "unsupported encoder artifact version", s.Version)
	}
	if s.LabelColumn == "" {
		return errors.NewValidationError("label_column", "is required", s.LabelColumn)
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if seen[c.Name] {
			return errors.NewValidationError("columns", "duplicated column", c.Name)
		}
		seen[c.Name] = true
		if len(c.Classes) == 0 {
			return errors.NewValidationError("columns", "column has no classes", c.Name)
		}
	}
	return nil
}

// SaveEncoderSet はエンコーダー成果物をJSONで保存する
func SaveEncoderSet(s *EncoderSet, path string) error {
	return model.SaveJSON(s, path)
}

// LoadEncoderSet はエンコーダー成果物を読み込み検証する
func LoadEncoderSet(path string) (*EncoderSet, error) {
	var s EncoderSet
	if err := model.LoadJSON(&s, path); err != nil {
		return nil, errors.Wrapf(err, "failed to load encoders from %s", path)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
