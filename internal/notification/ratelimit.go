package notification

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultRateLimit は1ウィンドウあたりの既定の上限件数。
	DefaultRateLimit = 100
	// DefaultRateWindow は既定のウィンドウ長。
	DefaultRateWindow = time.Hour
)

// RateLimiter はユーザーごと・固定ウィンドウごとの件数を制限する。
// カウンタの増加と期限設定はCounterが原子的に行うため、同時実行でも上限を超えて許可しない。
type RateLimiter struct {
	counter Counter
	limit   int64
	window  time.Duration
}

// NewRateLimiter はRateLimiterを生成する。limitやwindowが0以下の場合は既定値を使う。
func NewRateLimiter(counter Counter, limit int64, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{counter: counter, limit: limit, window: window}
}

// Allow はuserIDの現在のウィンドウのカウンタを増やし、増加後の件数と許可可否を返す。
// userIDが空の場合はカウントせずに許可する。
func (l *RateLimiter) Allow(ctx context.Context, userID string, now time.Time) (int64, bool, error) {
	if userID == "" {
		return 0, true, nil
	}
	count, err := l.counter.Incr(ctx, userID, Bucket(now, l.window), l.window)
	if err != nil {
		return 0, false, fmt.Errorf("レート制限カウンタの更新に失敗: %w", err)
	}
	return count, count <= l.limit, nil
}

// Limit はウィンドウあたりの上限件数を返す。
func (l *RateLimiter) Limit() int64 { return l.limit }

// Window はウィンドウ長を返す。
func (l *RateLimiter) Window() time.Duration { return l.window }

// Bucket はnowをUTCでウィンドウ長に切り捨てた時刻を分単位の文字列で返す。
func Bucket(now time.Time, window time.Duration) string {
	return now.UTC().Truncate(window).Format("2006-01-02T15:04")
}

// windowLabel は429応答に載せるウィンドウ長の表記を返す。
func windowLabel(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "1 hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d == time.Minute:
		return "1 minute"
	case d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", d/time.Minute)
	}
	return d.String()
}
