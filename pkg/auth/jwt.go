package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserIDClaim 令牌中承载用户ID的字段
const UserIDClaim = "userId"

var ErrInvalidToken = errors.New("invalid token")

// JWTConfig JWT配置
type JWTConfig struct {
	Secret     string
	ExpireTime time.Duration
}

// DefaultJWTConfig 默认JWT配置
var DefaultJWTConfig = &JWTConfig{
	Secret:     "secret",
	ExpireTime: 7 * 24 * time.Hour,
}

// Verifier 网关令牌校验器，只校验不签发
type Verifier struct {
	config *JWTConfig
}

// NewVerifier 创建令牌校验器
func NewVerifier(config *JWTConfig) *Verifier {
	if config == nil {
		config = DefaultJWTConfig
	}
	return &Verifier{config: config}
}

// VerifyToken 校验签名与过期时间，返回用户ID
func (v *Verifier) VerifyToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims, err := ParseTokenWithConfig(token, v.config)
	if err != nil {
		return "", err
	}

	userID, ok := claims[UserIDClaim].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("%w: missing %s claim", ErrInvalidToken, UserIDClaim)
	}
	return userID, nil
}

// GenerateToken 为用户签发令牌
func GenerateToken(userID string, config *JWTConfig) (string, error) {
	return GenerateJWTWithConfig(map[string]any{UserIDClaim: userID}, config)
}

// GenerateJWTWithConfig 使用指定配置生成 JWT token
func GenerateJWTWithConfig(claims map[string]any, config *JWTConfig) (string, error) {
	jwtClaims := jwt.MapClaims{}
	for k, v := range claims {
		jwtClaims[k] = v
	}

	// 未设置过期时间时使用配置的有效期
	if _, exists := claims["exp"]; !exists {
		jwtClaims["exp"] = time.Now().Add(config.ExpireTime).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims)
	return token.SignedString([]byte(config.Secret))
}

// ParseTokenWithConfig 使用指定配置解析 JWT token
func ParseTokenWithConfig(tokenString string, config *JWTConfig) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(config.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
