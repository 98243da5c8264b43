package middleware

import (
	"github.com/gin-gonic/gin"
)

// HeaderRequestID は呼び出し元が付与する冪等キーのHTTPヘッダー名。
const HeaderRequestID = "X-Request-ID"

// contextKeyRequestID はGinコンテキストにリクエストIDを保存するキー。
const contextKeyRequestID = "request_id"

// RequestID はX-Request-IDヘッダーをコンテキストに保存し、レスポンスにも付与する。
// ヘッダーが無い場合は何もしない。必須チェックは各ハンドラーの責務とする。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader(HeaderRequestID); id != "" {
			c.Set(contextKeyRequestID, id)
			c.Header(HeaderRequestID, id)
		}
		c.Next()
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
func GetRequestID(c *gin.Context) string {
	v, _ := c.Get(contextKeyRequestID)
	if id, ok := v.(string); ok {
		return id
	}
	return ""
}
