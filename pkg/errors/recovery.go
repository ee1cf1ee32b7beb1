package errors

import (
	"fmt"
	"runtime/debug"

	"github.com/cockroachdb/errors"
)

// PanicError は回復したpanicから作られたエラー
//
// ステージはpanicを外に出さず、このエラーに変換してから KindPanic の
// StageError として返す。
type PanicError struct {
	// PanicValue は panic() に渡された値
	PanicValue interface{}

	// StackTrace はpanic時点のスタックトレース
	StackTrace string

	// Operation はpanicを回復した処理の名前
	Operation string
}

// Error は error インターフェースの実装
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.PanicValue)
}

// Unwrap はpanicの値がerrorならそれを返す
func (e *PanicError) Unwrap() error {
	if err, ok := e.PanicValue.(error); ok {
		return err
	}
	return nil
}

// String はスタックトレースを含む詳細を返す
func (e *PanicError) String() string {
	return fmt.Sprintf("panic in %s: %v\nStack trace:\n%s",
		e.Operation, e.PanicValue, e.StackTrace)
}

// NewPanicError は現在のスタックトレースを付けてPanicErrorを作る
func NewPanicError(operation string, panicValue interface{}) *PanicError {
	return &PanicError{
		PanicValue: panicValue,
		StackTrace: string(debug.Stack()),
		Operation:  operation,
	}
}

// Recover はpanicをエラーに変換して *err に代入する。defer で使う:
//
//	func (s *stage) run() (err error) {
//	    defer errors.Recover(&err, "train")
//	    ...
//	}
//
// 関数がすでにエラーを返していた場合はそれをラップするので、
// errors.Is で元のエラーを辿れる。
func Recover(err *error, operation string) {
	if r := recover(); r != nil {
		panicErr := NewPanicError(operation, r)

		if *err != nil {
			*err = errors.Wrapf(*err, "panic in %s: %v (original error)", operation, r)
		} else {
			*err = panicErr
		}
	}
}

// SafeExecute は fn を実行し、panicをPanicErrorとして返す
func SafeExecute(operation string, fn func() error) (err error) {
	defer Recover(&err, operation)
	return fn()
}
