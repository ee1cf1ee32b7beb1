package model

// ColumnEncoder は1列分の文字列値を数値コードに変換するインターフェース
type ColumnEncoder interface {
	// Fit は変換に必要な対応表を学習する
	Fit(values []string) error

	// Transform は値をコードに変換する。未知の値はエラー
	Transform(values []string) ([]float64, error)

	// FitTransform はFitとTransformを同時に実行する
	FitTransform(values []string) ([]float64, error)
}
