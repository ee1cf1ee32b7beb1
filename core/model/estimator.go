package model

import "gonum.org/v1/gonum/mat"

// Fitter は学習可能なモデルのインターフェース
type Fitter interface {
	// Fit はモデルを訓練データで学習させる
	Fit(X, y mat.Matrix) error
}

// Predictor は予測可能なモデルのインターフェース
type Predictor interface {
	// Predict は入力データに対する予測ラベル (n×1) を返す
	Predict(X mat.Matrix) (mat.Matrix, error)
}

// ProbabilisticClassifier は二値分類器のインターフェース
type ProbabilisticClassifier interface {
	Predictor

	// PredictProba は各クラスの確率 (n×2, 列0が負例, 列1が正例) を返す
	PredictProba(X mat.Matrix) (mat.Matrix, error)

	// NFeatures は学習時の特徴量数を返す
	NFeatures() int
}

// Persistable はファイルに保存・復元できるモデル
type Persistable interface {
	// Save は path にモデルを保存する
	Save(path string) error

	// Load は path からモデルを読み込む
	Load(path string) error
}
