// Package apperr はAPI境界で使うエラー分類を提供します。
package apperr

import (
	"errors"
	"fmt"
)

// Kind はエラーの分類です。
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindUnavailable
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error はコード付きのアプリケーションエラーです。
// Message はクライアントに返してよい文言、Err は内部原因（ログ用）です。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is は Kind と Code が一致する *Error を同一視します。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Validation は入力不正エラーを作成します。
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// NotFound は対象が存在しないエラーを作成します。
func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// Unavailable は非同期モード未設定などのエラーを作成します。
func Unavailable(code, message string) *Error {
	return &Error{Kind: KindUnavailable, Code: code, Message: message}
}

// Timeout は待機期限切れのエラーを作成します。
func Timeout(code, message string) *Error {
	return &Error{Kind: KindTimeout, Code: code, Message: message}
}

// Internal は原因を保持した内部エラーを作成します。
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL_ERROR", Message: message, Err: cause}
}

// KindOf は err の分類を返します。*Error でなければ KindInternal です。
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind は err が指定の分類かどうかを返します。
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
