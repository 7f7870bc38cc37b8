// Package auth verifies bearer tokens and enforces role-based access on the API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nemonet1337/zaiStockLedger/internal/config"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// Role is the access level carried in a token
type Role string

// ロール定義
const (
	RoleAdmin  Role = "admin"  // 品目管理・照合を含む全操作
	RoleStaff  Role = "staff"  // 入出庫の記録
	RoleViewer Role = "viewer" // 参照のみ
)

// Errors returned by ParseToken
var (
	ErrMissingToken = errors.New("認証トークンがありません")
	ErrInvalidToken = errors.New("無効または期限切れのトークンです")
	ErrUnknownRole  = errors.New("不明なロールです")
)

// Claims are the JWT claims issued for ledger users
// JWTクレーム
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Principal is the authenticated caller
// 認証済みの呼び出し元
type Principal struct {
	UserID string
	Role   Role
}

type principalKey struct{}

// PrincipalFromContext returns the caller set by Middleware
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// WithPrincipal stores the caller and its user id for the ledger
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey{}, p)
	return inventory.WithUser(ctx, p.UserID)
}

// DenyFunc writes a rejection response
type DenyFunc func(w http.ResponseWriter, status int, message string)

// Authenticator issues and verifies HS256 tokens
// トークンの発行と検証
type Authenticator struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	disabled bool
	deny     DenyFunc
	clock    func() time.Time
}

// NewAuthenticator creates an authenticator from configuration
func NewAuthenticator(cfg config.AuthConfig, deny DenyFunc) *Authenticator {
	if deny == nil {
		deny = func(w http.ResponseWriter, status int, message string) {
			http.Error(w, message, status)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Authenticator{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		ttl:      ttl,
		disabled: cfg.Disabled,
		deny:     deny,
		clock:    time.Now,
	}
}

// WithClock replaces the time source used when issuing tokens
func (a *Authenticator) WithClock(clock func() time.Time) *Authenticator {
	a.clock = clock
	return a
}

// IssueToken signs a token for the user
// トークンを発行
func (a *Authenticator) IssueToken(userID string, role Role) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("JWTシークレットが設定されていません")
	}
	if !validRole(role) {
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	now := a.clock()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		UserID: userID,
		Role:   role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken verifies signature, issuer and expiry and returns the caller
// トークンを検証
func (a *Authenticator) ParseToken(tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return Principal{}, ErrInvalidToken
	}
	if !validRole(claims.Role) {
		return Principal{}, fmt.Errorf("%w: %s", ErrUnknownRole, claims.Role)
	}

	return Principal{UserID: claims.UserID, Role: claims.Role}, nil
}

// Middleware authenticates "Authorization: Bearer <token>" and stores the
// caller in the request context. With auth disabled every caller is an admin.
// 認証ミドルウェア
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.disabled {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{UserID: "system", Role: RoleAdmin})))
			return
		}

		principal, err := a.ParseToken(bearerToken(r))
		if err != nil {
			a.deny(w, http.StatusUnauthorized, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// RequireRole allows the request only for the listed roles
// ロールによるアクセス制御
func (a *Authenticator) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				a.deny(w, http.StatusUnauthorized, ErrMissingToken.Error())
				return
			}
			for _, role := range roles {
				if principal.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			a.deny(w, http.StatusForbidden, "この操作を行う権限がありません")
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func validRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleStaff, RoleViewer:
		return true
	}
	return false
}
