package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Операторские права Console API. Admin покрывает все остальные скоупы.
const (
	ScopeAdmin           = "admin"
	ScopeApprovalsDecide = "approvals.decide"
	// ScopeApprovalsOverride — право на административный override
	// (решение в обход обычного ревью)
	ScopeApprovalsOverride = "approvals.override"
	ScopePoliciesWrite     = "policies.write"
)

// ScopeAllowed — единая точка проверки прав: нужный scope
// либо выдан явно, либо покрыт admin.
func ScopeAllowed(scopes map[string]bool, need string) bool {
	if scopes == nil {
		return false
	}
	return scopes[need] || scopes[ScopeAdmin]
}

// CustomClaims — полезная нагрузка операторского токена.
// Scopes переносятся из строки users в момент выдачи: токен
// самодостаточен, периметр не ходит в БД на каждый запрос.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true, "approvals.decide": true
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// User — операторская учетка. PasswordHash наружу не отдается.
type User struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Role         string          `json:"role"`
	Scopes       map[string]bool `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
