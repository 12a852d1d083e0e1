package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 令牌校验失败的可区分错误种类。上层需要对过期和伪造给出不同提示时
// 使用 errors.Is 判断。
var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
	ErrWrongPurpose = errors.New("token purpose mismatch")
)

// Purpose 是一次性用途令牌的用途标识。
type Purpose string

const (
	PurposePasswordReset     Purpose = "password_reset"
	PurposeEmailVerification Purpose = "email_verification"
)

// SessionClaims 是会话令牌的声明集。Subject 为用户 ID。
type SessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// PurposeClaims 是用途令牌的声明集。
type PurposeClaims struct {
	jwt.RegisteredClaims
	Purpose Purpose `json:"purpose"`
}

// Codec 负责签发与校验 HS256 签名的时限令牌。
//
// 签名密钥在启动时注入，进程运行期间不变（不支持运行时轮换）。
// Codec 本身无状态，可被多个 goroutine 并发使用。
type Codec struct {
	secret     []byte
	sessionTTL time.Duration
}

// NewCodec 创建令牌编解码器。sessionTTL 为会话令牌的默认有效期。
func NewCodec(secret string, sessionTTL time.Duration) *Codec {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Codec{secret: []byte(secret), sessionTTL: sessionTTL}
}

// IssueSession 签发会话令牌。可通过 ttl 参数覆盖默认有效期。
func (c *Codec) IssueSession(userID, email string, ttl ...time.Duration) (string, error) {
	d := c.sessionTTL
	if len(ttl) > 0 && ttl[0] != 0 {
		d = ttl[0]
	}
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
		},
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// IssuePurpose 签发指定用途的一次性用途令牌。
//
// 令牌本身是无状态的，过期前重复使用会成功，这是已知的设计取舍。
func (c *Codec) IssuePurpose(userID string, purpose Purpose, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := PurposeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose: purpose,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// VerifySession 校验会话令牌并返回声明。
// 过期返回 ErrTokenExpired，签名或结构错误返回 ErrTokenInvalid。
func (c *Codec) VerifySession(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := c.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// VerifyPurpose 校验用途令牌并返回声明，不检查具体用途。
func (c *Codec) VerifyPurpose(tokenStr string) (*PurposeClaims, error) {
	claims := &PurposeClaims{}
	if err := c.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// VerifyPurposeFor 校验用途令牌且要求用途匹配。
// 用途不符返回 ErrWrongPurpose。
func (c *Codec) VerifyPurposeFor(tokenStr string, want Purpose) (*PurposeClaims, error) {
	claims, err := c.VerifyPurpose(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != want {
		return nil, ErrWrongPurpose
	}
	return claims, nil
}

func (c *Codec) parse(tokenStr string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	if !token.Valid {
		return ErrTokenInvalid
	}
	return nil
}
