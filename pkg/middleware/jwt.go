package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ServiceIssuer はサービストークンの発行者名。
const ServiceIssuer = "notifygw"

// defaultServiceTokenTTL はTTL未指定時のサービストークンの有効期間。
const defaultServiceTokenTTL = 24 * time.Hour

// contextKeyService はGinコンテキストに呼び出し元サービス名を保存するキー。
const contextKeyService = "service"

// ServiceClaims はサービストークンのクレームを表す。
// 配信ワーカーなどの下流サービスが内部APIを呼び出す際に提示する。
type ServiceClaims struct {
	jwt.RegisteredClaims
	// Service は呼び出し元サービスの名前（例: email-worker）。
	Service string `json:"service"`
}

// GenerateServiceToken はサービス名からHS256署名のトークンを生成する。
// ttlが0以下の場合は24時間の有効期間を使う。
func GenerateServiceToken(secret, service string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("JWTシークレットが空です")
	}
	if service == "" {
		return "", errors.New("サービス名が空です")
	}
	if ttl <= 0 {
		ttl = defaultServiceTokenTTL
	}

	now := time.Now()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    ServiceIssuer,
		},
		Service: service,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ServiceAuth はサービストークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "service" を設定する。
func ServiceAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "Authorization header is required")
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			abortUnauthorized(c, "Authorization header must use the Bearer scheme")
			return
		}

		claims := &ServiceClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(ServiceIssuer),
		)
		if err != nil || !token.Valid || claims.Service == "" {
			abortUnauthorized(c, "Invalid service token")
			return
		}

		c.Set(contextKeyService, claims.Service)
		c.Next()
	}
}

// GetService はGinコンテキストから呼び出し元サービス名を取得する。
// ServiceAuthミドルウェアが事前に適用されている必要がある。
func GetService(c *gin.Context) string {
	v, _ := c.Get(contextKeyService)
	if name, ok := v.(string); ok {
		return name
	}
	return ""
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(message, "UNAUTHORIZED"))
}

// errorBody はゲートウェイ共通のエラーレスポンス形式を組み立てる。
func errorBody(message, code string) gin.H {
	return gin.H{
		"success": false,
		"message": message,
		"error":   code,
		"data":    nil,
	}
}
