package model

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// SaveJSON はモデルをJSONとしてファイルに保存する
//
// 親ディレクトリが無ければ作成する。書き込みは一時ファイル経由で行い、
// 完了後に rename するため、途中で失敗しても既存のファイルは壊れない。
//
// 使用例:
//
//	m := booster.NewClassifier(params)
//	// ... モデルの学習 ...
//	err := model.SaveJSON(m, "/opt/ml/model/xgboost-model")
func SaveJSON(v interface{}, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", filename)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer os.Remove(tmp.Name())

	if err := SaveJSONToWriter(v, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close file")
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return errors.Wrapf(err, "failed to move model into %s", filename)
	}
	return nil
}

// LoadJSON はファイルからモデルを読み込む
//
// 使用例:
//
//	var m booster.Classifier
//	err := model.LoadJSON(&m, "xgboost-model")
func LoadJSON(v interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "failed to open file")
	}
	defer file.Close()

	return LoadJSONFromReader(v, file)
}

// SaveJSONToWriter はモデルをio.Writerに保存する
func SaveJSONToWriter(v interface{}, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return errors.Wrap(err, "failed to encode model")
	}
	return nil
}

// LoadJSONFromReader はio.Readerからモデルを読み込む
func LoadJSONFromReader(v interface{}, r io.Reader) error {
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(v); err != nil {
		return errors.Wrap(err, "failed to decode model")
	}
	return nil
}
