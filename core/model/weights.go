package model

import (
	"encoding/json"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// FormatVersion はこのリポジトリが書き出すモデルファイルのバージョン
const FormatVersion = "1"

// ModelHeader はモデルファイル共通のヘッダ（シリアライゼーション用）
type ModelHeader struct {
	// ModelType はモデルの種類（GBTreeClassifier等）
	ModelType string `json:"model_type"`

	// Version はファイル形式のバージョン（互換性チェック用）
	Version string `json:"version"`

	// Features は特徴量の名前（パーティションのラベル列を除いた順）
	Features []string `json:"features,omitempty"`

	// Hyperparameters はモデルのハイパーパラメータ
	Hyperparameters map[string]interface{} `json:"hyperparameters"`

	// Metadata は追加のメタデータ（学習時の統計等）
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// IsFitted はモデルが学習済みかどうか
	IsFitted bool `json:"is_fitted"`
}

// ToJSON はModelHeaderをJSON形式にシリアライズ
func (h *ModelHeader) ToJSON() ([]byte, error) {
	return json.MarshalIndent(h, "", "  ")
}

// FromJSON はJSON形式からModelHeaderをデシリアライズ
func (h *ModelHeader) FromJSON(data []byte) error {
	return json.Unmarshal(data, h)
}

// Validate はModelHeaderの妥当性を検証
func (h *ModelHeader) Validate(expectedType string) error {
	if h.ModelType == "" {
		return errors.NewValidationError("model_type", "is required", h.ModelType)
	}
	if expectedType != "" && h.ModelType != expectedType {
		return errors.NewValidationError("model_type", "unexpected model type, want "+expectedType, h.ModelType)
	}
	if h.Version == "" {
		return errors.NewValidationError("version", "is required", h.Version)
	}
	if h.Version != FormatVersion {
		return errors.NewValidationError("version", "unsupported model format version", h.Version)
	}
	if !h.IsFitted {
		return errors.NewValidationError("is_fitted", "model file holds an unfitted model", h.IsFitted)
	}
	return nil
}

// Clone はModelHeaderのディープコピーを作成
func (h *ModelHeader) Clone() *ModelHeader {
	clone := &ModelHeader{
		ModelType:       h.ModelType,
		Version:         h.Version,
		IsFitted:        h.IsFitted,
		Features:        make([]string, len(h.Features)),
		Hyperparameters: make(map[string]interface{}),
		Metadata:        make(map[string]interface{}),
	}

	copy(clone.Features, h.Features)

	for k, v := range h.Hyperparameters {
		clone.Hyperparameters[k] = v
	}

	for k, v := range h.Metadata {
		clone.Metadata[k] = v
	}

	return clone
}
