package preprocessing

import (
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// TrainTestSplit は n 行をシードに基づいて訓練用とテスト用に分割する
//
// テスト行数は ceil(testRatio * n)、訓練行数はその残り。どちらも1以上でなければ
// ならない。行の並びはシードで初期化したPCG生成器による置換で決まり、置換の先頭
// nTest 個がテスト行になる。同じ (n, testRatio, seed) なら常に同じ結果を返す。
//
// 戻り値:
//   - trainIdx: 訓練用の行番号（置換順）
//   - testIdx: テスト用の行番号（置換順）
//   - error: 比率が (0,1) の外、または分割後にどちらかが空になる場合
func TrainTestSplit(n int, testRatio float64, seed int64) (trainIdx, testIdx []int, err error) {
	if !(testRatio > 0 && testRatio < 1) {
		return nil, nil, errors.NewValidationError("test_split_ratio", "must be in (0, 1)", testRatio)
	}
	if n < 2 {
		return nil, nil, errors.NewValueError("TrainTestSplit",
			"need at least 2 rows to split, got "+strconv.Itoa(n))
	}

	nTest := int(math.Ceil(testRatio * float64(n)))
	nTrain := n - nTest
	if nTest < 1 || nTrain < 1 {
		return nil, nil, errors.NewValueError("TrainTestSplit",
			"with n_samples="+strconv.Itoa(n)+" and test_size="+strconv.FormatFloat(testRatio, 'g', -1, 64)+
				" the resulting train set would be empty")
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	perm := rng.Perm(n)

	testIdx = perm[:nTest]
	trainIdx = perm[nTest:]
	return trainIdx, testIdx, nil
}
