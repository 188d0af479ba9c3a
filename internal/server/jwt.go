package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultSessionTTL 会话令牌有效期，过期后重连需要重新输入密码
	DefaultSessionTTL = 30 * time.Minute

	tokenIssuer = "railsync-host"
)

var ErrInvalidToken = errors.New("server: 无效的会话令牌")

// Claims 会话令牌携带的信息
type Claims struct {
	PlayerID uint32 `json:"player_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// SessionIssuer 签发与校验重连令牌
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionIssuer 创建令牌签发者，secret 为空时生成随机密钥（仅本次进程有效）
func NewSessionIssuer(secret string, ttl time.Duration) *SessionIssuer {
	if secret == "" {
		secret = uuid.NewString()
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue 生成会话令牌，返回令牌与其唯一 ID
func (i *SessionIssuer) Issue(playerID uint32, username string) (token, jti string, err error) {
	now := i.now()
	jti = uuid.NewString()
	claims := Claims{
		PlayerID: playerID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    tokenIssuer,
			Subject:   fmt.Sprintf("player-%d", playerID),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", fmt.Errorf("签发令牌失败: %w", err)
	}
	return token, jti, nil
}

// Verify 校验令牌并返回其中的信息
func (i *SessionIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
