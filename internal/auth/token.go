package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

var ErrNoToken = errors.New("no access token")

// OperatorClaims are the claims of an operator API token.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ExtractAccessToken reads the token from the access_token cookie, falling
// back to a Bearer Authorization header.
func ExtractAccessToken(r *http.Request) string {
	if cookie, err := r.Cookie("access_token"); err == nil {
		if cookie.Value != "" {
			return cookie.Value
		}
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}

// IssueOperatorToken signs an HS256 token for subject valid for ttl.
func IssueOperatorToken(secret []byte, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseOperatorToken validates an HS256 token. Tokens without an expiry are
// rejected.
func ParseOperatorToken(tokenStr string, secret []byte) (*OperatorClaims, error) {
	if tokenStr == "" {
		return nil, ErrNoToken
	}

	claims := &OperatorClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}
