// Package parallel は範囲分割による単純な並列実行を提供する。
//
// 各ワーカーは重ならない [start, end) を受け取るため、呼び出し側は結果を
// インデックスごとのスロットに書き込めばロックなしで集約できる。
package parallel

import (
	"runtime"
	"sync"
)

// Workers は items 件を処理するときに起動するワーカー数を返す
// GOMAXPROCS を上限とし、items より多くはしない
func Workers(items int) int {
	if items <= 0 {
		return 0
	}
	n := runtime.GOMAXPROCS(0)
	if n > items {
		n = items
	}
	return n
}

// Parallelize は items 件をワーカー数で分割し、各範囲 (start, end) について
// fn を並列に実行する。すべての fn が戻るまでブロックする
func Parallelize(items int, fn func(start, end int)) {
	numWorkers := Workers(items)
	if numWorkers == 0 {
		return
	}
	if numWorkers == 1 {
		fn(0, items)
		return
	}

	// 切り上げ除算
	chunkSize := (items + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for start := 0; start < items; start += chunkSize {
		end := start + chunkSize
		if end > items {
			end = items
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

// ParallelizeWithThreshold は items が threshold を超える場合のみ並列化する
// それ以下なら呼び出し元のゴルーチンで fn(0, items) を一度だけ実行する
func ParallelizeWithThreshold(items int, threshold int, fn func(start, end int)) {
	if items <= 0 {
		return
	}
	if items <= threshold {
		fn(0, items)
		return
	}
	Parallelize(items, fn)
}
