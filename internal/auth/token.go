// Package auth は同期APIのトークン認証を提供します。
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const tokenHeader = "Authorization"

// TokenAuth は Authorization: Bearer <token> を検証するミドルウェアを返します。
// tokenHash はbcryptハッシュで、空文字の場合は検証をスキップします（ローカル開発用）。
func TokenAuth(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenHash == "" {
			c.Next()
			return
		}

		token := extractBearer(c.GetHeader(tokenHeader))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "APIトークンを指定してください",
			})
			return
		}

		if bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_TOKEN",
				"message": "APIトークンが正しくありません",
			})
			return
		}

		c.Next()
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
