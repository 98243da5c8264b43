package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Throttle はプロセス全体の受付レートをトークンバケットで制限するGinミドルウェアを返す。
// ユーザー単位のレート制限とは独立した、過負荷からの保護用。
// rpsが0以下の場合は制限しない。
func Throttle(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				errorBody("Gateway is busy. Try again later.", "TOO_MANY_REQUESTS"))
			return
		}
		c.Next()
	}
}
