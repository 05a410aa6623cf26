package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra/auth"
)

type UserProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

// ErrBadCredentials намеренно один на все случаи: по ответу логина
// нельзя понять, существует ли такой пользователь.
var ErrBadCredentials = errors.New("invalid credentials")

// AuthService выпускает операторские токены и проверяет их.
// Встроенный RSAValidator делает сервис реализацией auth.TokenValidator:
// одна структура обслуживает и /api/login, и защищенный периметр.
type AuthService struct {
	*auth.RSAValidator

	users      UserProvider
	signingKey *rsa.PrivateKey
	tokenTTL   time.Duration
}

func NewAuthService(users UserProvider, signingKey *rsa.PrivateKey, publicKey *rsa.PublicKey, tokenTTL time.Duration) *AuthService {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &AuthService{
		RSAValidator: auth.NewRSAValidator(publicKey),
		users:        users,
		signingKey:   signingKey,
		tokenTTL:     tokenTTL,
	}
}

// GenerateToken сверяет пароль с bcrypt-хэшем из Postgres и подписывает
// токен с правами пользователя на момент входа. Отзыв прав до истечения
// TTL токен не затрагивает — TTL и выбирается коротким.
func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil || user == nil {
		return nil, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}

	now := time.Now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &domain.CustomClaims{
		UserID: user.ID,
		Scopes: user.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.TokenIssuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	}, nil
}
