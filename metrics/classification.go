// Package metrics は分類モデルの評価指標を提供する。
//
// 入力は *mat.VecDense（ラベル、予測ラベル、陽性クラスのスコア）で、
// scikit-learn の同名関数と同じ値を返す。分母が0になる指標は0（AUCは0.5）を返し、
// その際 UndefinedMetricWarning を errors.Warn で発行する。
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// logLossEpsilon は対数損失の計算で確率をクリップする幅
const logLossEpsilon = 1e-15

// Accuracy は正解率を計算する
func Accuracy(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("Accuracy", yTrue, yPred)
	if err != nil {
		return 0, err
	}

	correct := 0
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == yPred.AtVec(i) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

// ClassificationError は誤分類率 (1 - 正解率) を計算する
func ClassificationError(yTrue, yPred *mat.VecDense) (float64, error) {
	acc, err := Accuracy(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return 1 - acc, nil
}

// ConfusionMatrix は二値分類の混同行列を返す
//
// 行が真のラベル、列が予測ラベルで、どちらも [0, 1] の順。
// 予測に一方のクラスしか現れなくても常に2×2になる。
func ConfusionMatrix(yTrue, yPred *mat.VecDense) ([2][2]int, error) {
	var cm [2][2]int
	n, err := checkPair("ConfusionMatrix", yTrue, yPred)
	if err != nil {
		return cm, err
	}
	if err := checkBinary("ConfusionMatrix", yTrue); err != nil {
		return cm, err
	}
	if err := checkBinary("ConfusionMatrix", yPred); err != nil {
		return cm, err
	}

	for i := 0; i < n; i++ {
		cm[int(yTrue.AtVec(i))][int(yPred.AtVec(i))]++
	}
	return cm, nil
}

// Precision は陽性クラス (1) の適合率 TP / (TP + FP) を計算する
func Precision(yTrue, yPred *mat.VecDense) (float64, error) {
	cm, err := ConfusionMatrix(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	tp, fp := cm[1][1], cm[0][1]
	if tp+fp == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("precision", "no predicted samples", 0))
		return 0, nil
	}
	return float64(tp) / float64(tp+fp), nil
}

// Recall は陽性クラス (1) の再現率 TP / (TP + FN) を計算する
func Recall(yTrue, yPred *mat.VecDense) (float64, error) {
	cm, err := ConfusionMatrix(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	tp, fn := cm[1][1], cm[1][0]
	if tp+fn == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("recall", "no true samples", 0))
		return 0, nil
	}
	return float64(tp) / float64(tp+fn), nil
}

// F1Score は陽性クラス (1) の F1 = 2TP / (2TP + FP + FN) を計算する
func F1Score(yTrue, yPred *mat.VecDense) (float64, error) {
	cm, err := ConfusionMatrix(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	tp, fp, fn := cm[1][1], cm[0][1], cm[1][0]
	denom := 2*tp + fp + fn
	if denom == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("f-score", "no true nor predicted samples", 0))
		return 0, nil
	}
	return float64(2*tp) / float64(denom), nil
}

// AUC はROC曲線下面積を計算する
//
// 同じスコアの組は0.5として数える (Mann-Whitney U)。
// yTrue が一方のクラスしか含まない場合は0.5を返す。
func AUC(yTrue, yScore *mat.VecDense) (float64, error) {
	n, err := checkPair("AUC", yTrue, yScore)
	if err != nil {
		return 0, err
	}
	if err := checkBinary("AUC", yTrue); err != nil {
		return 0, err
	}

	idx := sortedByScore(yScore, n)

	// 同順位は平均順位
	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && yScore.AtVec(idx[j+1]) == yScore.AtVec(idx[i]) {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}

	var nPos, nNeg int
	var rankSum float64
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == 1 {
			nPos++
			rankSum += ranks[i]
		} else {
			nNeg++
		}
	}

	if nPos == 0 || nNeg == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("roc_auc",
			"only one class present in y_true", 0.5))
		return 0.5, nil
	}

	u := rankSum - float64(nPos)*float64(nPos+1)/2
	return u / (float64(nPos) * float64(nNeg)), nil
}

// BinaryLogLoss は二値の対数損失を計算する
// 確率は [eps, 1-eps] にクリップする
func BinaryLogLoss(yTrue, yProba *mat.VecDense) (float64, error) {
	n, err := checkPair("BinaryLogLoss", yTrue, yProba)
	if err != nil {
		return 0, err
	}
	if err := checkBinary("BinaryLogLoss", yTrue); err != nil {
		return 0, err
	}

	var sum float64
	for i := 0; i < n; i++ {
		p := math.Min(math.Max(yProba.AtVec(i), logLossEpsilon), 1-logLossEpsilon)
		if yTrue.AtVec(i) == 1 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	loss := sum / float64(n)
	if err := errors.CheckScalar("BinaryLogLoss", loss, 0); err != nil {
		return 0, err
	}
	return loss, nil
}

// ROCCurve はROC曲線の点を返す
//
// しきい値はスコアの降順で、先頭には +Inf（すべて陰性と予測する点）を置く。
// 同じスコアは1点にまとめる。yTrue が一方のクラスしか含まない場合はエラー。
func ROCCurve(yTrue, yScore *mat.VecDense) (fpr, tpr, thresholds []float64, err error) {
	n, err := checkPair("ROCCurve", yTrue, yScore)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := checkBinary("ROCCurve", yTrue); err != nil {
		return nil, nil, nil, err
	}

	var nPos, nNeg float64
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == 1 {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return nil, nil, nil, errors.NewValueError("ROCCurve", "only one class present in y_true")
	}

	idx := sortedByScore(yScore, n)

	fpr = []float64{0}
	tpr = []float64{0}
	thresholds = []float64{math.Inf(1)}

	var tp, fp float64
	for i := n - 1; i >= 0; i-- {
		if yTrue.AtVec(idx[i]) == 1 {
			tp++
		} else {
			fp++
		}
		score := yScore.AtVec(idx[i])
		if i > 0 && yScore.AtVec(idx[i-1]) == score {
			continue
		}
		fpr = append(fpr, fp/nNeg)
		tpr = append(tpr, tp/nPos)
		thresholds = append(thresholds, score)
	}
	return fpr, tpr, thresholds, nil
}

// BinaryReport は評価ステージが書き出す指標一式
type BinaryReport struct {
	Accuracy        float64 `json:"accuracy"`
	Precision       float64 `json:"precision"`
	Recall          float64 `json:"recall"`
	F1              float64 `json:"f1"`
	ROCAUC          float64 `json:"roc_auc"`
	ConfusionMatrix [][]int `json:"confusion_matrix"`
}

// EvaluateBinary は予測ラベルと陽性クラスの確率からBinaryReportを作る
func EvaluateBinary(yTrue, yPred, yScore *mat.VecDense) (*BinaryReport, error) {
	cm, err := ConfusionMatrix(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	acc, err := Accuracy(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	precision, err := Precision(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	recall, err := Recall(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	f1, err := F1Score(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	auc, err := AUC(yTrue, yScore)
	if err != nil {
		return nil, err
	}

	return &BinaryReport{
		Accuracy:        acc,
		Precision:       precision,
		Recall:          recall,
		F1:              f1,
		ROCAUC:          auc,
		ConfusionMatrix: [][]int{{cm[0][0], cm[0][1]}, {cm[1][0], cm[1][1]}},
	}, nil
}

func checkPair(op string, a, b *mat.VecDense) (int, error) {
	if a == nil || b == nil {
		return 0, errors.NewValueError(op, "empty vector")
	}
	n := a.Len()
	if n == 0 {
		return 0, errors.NewValueError(op, "empty vector")
	}
	if b.Len() != n {
		return 0, errors.NewDimensionError(op, n, b.Len(), 0)
	}
	return n, nil
}

func checkBinary(op string, v *mat.VecDense) error {
	for i := 0; i < v.Len(); i++ {
		if x := v.AtVec(i); x != 0 && x != 1 {
			return errors.NewValueError(op, "labels must be 0 or 1")
		}
	}
	return nil
}

// sortedByScore はスコアの昇順に並べた行番号を返す
func sortedByScore(scores *mat.VecDense, n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores.AtVec(idx[a]) < scores.AtVec(idx[b])
	})
	return idx
}
