package middleware

import (
	"context"
	"net/http"

	"payu-gateway/internal/auth"
	"payu-gateway/internal/logger"

	"go.uber.org/zap"
)

type contextKey string

const (
	OperatorKey    contextKey = "operator"
	TokenClaimsKey contextKey = "jwtClaims"
)

// AuthMiddleware only lets through requests carrying a valid operator token
// with the admin role. The token subject is stored as the operator.
func AuthMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.FromCtx(r.Context())

			claims, err := auth.ParseOperatorToken(auth.ExtractAccessToken(r), secret)
			if err != nil {
				log.Warn("Rejected operator request", zap.Error(err))
				w.Header().Set("WWW-Authenticate", `Bearer realm="payments"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if claims.Role != auth.RoleAdmin {
				log.Warn("Operator lacks admin role", zap.String("subject", claims.Subject), zap.String("role", claims.Role))
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), TokenClaimsKey, claims)
			ctx = context.WithValue(ctx, OperatorKey, claims.Subject)
			ctx = logger.With(ctx, zap.String("operator", claims.Subject))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext returns the authenticated operator, if any.
func OperatorFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(OperatorKey).(string)
	return op, ok && op != ""
}
