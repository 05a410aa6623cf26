package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — то, что периметру нужно от проверяющей стороны.
// Консоль подставляет сюда AuthService со встроенным RSAValidator.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// NewMiddleware закрывает группу роутов операторским токеном.
// Идентичность и права кладутся в контекст под ключами
// "user_id" и "user_scopes" — их читают обработчики ниже по цепочке.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(header)
			if err != nil {
				logger.Warn("auth failure",
					zap.String("path", r.URL.Path),
					zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), "user_scopes", claims.Scopes)
			ctx = context.WithValue(ctx, "user_id", claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope навешивается на отдельные роуты ПОВЕРХ NewMiddleware
// и требует конкретного права из токена. Admin проходит везде.
func RequireScope(need string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopes, _ := r.Context().Value("user_scopes").(map[string]bool)
			if !domain.ScopeAllowed(scopes, need) {
				http.Error(w, "scope "+need+" is required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
