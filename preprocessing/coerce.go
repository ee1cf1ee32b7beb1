package preprocessing

import (
	"math"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// CoerceNumeric は文字列の列を数値に強制変換する
//
// 数値として解釈できない値（空白のみの値を含む）は0.0に置き換える。
// 置き換えた件数が1件以上あれば DataConversionWarning を発行する。
//
// 戻り値:
//   - []float64: 変換後の値
//   - int: 0.0に置き換えた件数
func CoerceNumeric(column string, values []string) ([]float64, int) {
	out := make([]float64, len(values))
	failed := 0
	for i, v := range values {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			failed++
			continue
		}
		out[i] = f
	}
	if failed > 0 {
		errors.Warn(errors.NewDataConversionWarning("string", "float64",
			strconv.Itoa(failed)+" non-numeric values in column "+strconv.Quote(column)+" replaced by 0.0"))
	}
	return out, failed
}

// FormatFloat は浮動小数点数をCSVに書き出す形式に変換する
// 最短の往復可能表現を使い、整数値には ".0" を付ける（例: 0 → "0.0", 29.85 → "29.85"）
func FormatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	abs := math.Abs(v)
	if abs >= 1e16 || (abs != 0 && abs < 1e-4) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// FormatFloats は FormatFloat を各要素に適用する
func FormatFloats(values []float64) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = FormatFloat(v)
	}
	return out
}

// FormatCodes は整数コードを "0", "1", ... の形式に変換する
func FormatCodes(codes []float64) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = strconv.Itoa(int(c))
	}
	return out
}

// IsNumericColumn は空でない値がすべて数値として解釈できるかを返す
func IsNumericColumn(values []string) bool {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return false
		}
	}
	return true
}
