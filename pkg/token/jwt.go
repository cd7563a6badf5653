// Package token 提供表权限 JWT 的签发与验证。
// 开启 enable_table_auth 的租户，请求需携带声明了可访问表集合的 token。
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTManager 负责管理 JWT 的生成和验证。
type JWTManager struct {
	secretKey []byte
}

// TableClaims 表权限声明：一个租户下允许访问的 table_id 集合。
type TableClaims struct {
	Bizid    string   `json:"bizid"`
	TableIDs []string `json:"table_ids"`
	jwt.RegisteredClaims
}

// NewJWTManager 创建一个新的 JWTManager 实例。
func NewJWTManager(secret string) *JWTManager {
	return &JWTManager{secretKey: []byte(secret)}
}

// GenerateToken 为指定租户签发一个表权限 token。
func (m *JWTManager) GenerateToken(bizid string, tableIDs []string, ttl time.Duration) (string, error) {
	claims := TableClaims{
		Bizid:    bizid,
		TableIDs: tableIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// VerifyToken 验证给定的 token 字符串并返回表权限声明。
func (m *JWTManager) VerifyToken(tokenString string) (*TableClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TableClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 检查签名方法是否为 HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TableClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
