package notification

import (
	"errors"
	"fmt"
	"time"
)

// 呼び出し側はerrors.Isで判定する。アダプターは%wでラップして返す。
var (
	// ErrValidation は入力が不正な場合のエラー。副作用の前に返る。
	ErrValidation = errors.New("入力値が不正です")
	// ErrUserNotFound はユーザーサービスに該当ユーザーが存在しない場合のエラー。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrTemplateNotFound はテンプレートサービスに該当テンプレートが存在しない場合のエラー。
	ErrTemplateNotFound = errors.New("テンプレートが見つかりません")
	// ErrRateLimited はユーザー単位のレート制限を超えた場合のエラー。
	ErrRateLimited = errors.New("レート制限を超えました")
	// ErrDuplicateRequest は同じrequest_idの行が既に存在する場合のエラー。
	// ディスパッチ内で回収され、呼び出し元には返らない。
	ErrDuplicateRequest = errors.New("request_idが重複しています")
	// ErrPublish はキューへの投入に失敗した場合のエラー。行はqueuedのまま残る。
	ErrPublish = errors.New("キューへの投入に失敗しました")
	// ErrRequestNotFound はストアに該当request_idの行が存在しない場合のエラー。
	ErrRequestNotFound = errors.New("通知リクエストが見つかりません")
	// ErrStatusNotFound は状態の照会で該当がない場合のエラー。
	ErrStatusNotFound = errors.New("状態が見つかりません")
	// ErrNotRedrivable はqueued以外の行を再投入しようとした場合のエラー。
	ErrNotRedrivable = errors.New("queued以外の通知は再投入できません")
)

// ValidationError は入力検証の失敗内容を持つ。ErrValidationとして判定できる。
// Detailはそのままクライアントへの応答に使う。
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return ErrValidation.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(format string, args ...any) error {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// RateLimitError はレート制限超過の詳細を持つ。ErrRateLimitedとして判定できる。
type RateLimitError struct {
	Count  int64
	Limit  int64
	Window time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: count=%d, limit=%d, window=%s", ErrRateLimited, e.Count, e.Limit, e.Window)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
