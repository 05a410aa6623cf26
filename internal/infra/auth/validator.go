package auth

import (
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/a2a-coord/internal/domain"
)

// TokenIssuer — издатель операторских токенов. Консоль подписывает
// с этим issuer, периметр отклоняет токены чужого происхождения.
const TokenIssuer = "a2a-console"

// RSAValidator проверяет подпись RS256 открытым ключом консоли.
// Закрытый ключ остается только у выпускающей стороны.
type RSAValidator struct {
	publicKey *rsa.PublicKey
}

func NewRSAValidator(pubKey *rsa.PublicKey) *RSAValidator {
	return &RSAValidator{publicKey: pubKey}
}

// VerifyToken принимает значение заголовка Authorization целиком:
// схему Bearer срезает сам, чтобы middleware не знал про формат.
func (v *RSAValidator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	if raw, ok := strings.CutPrefix(tokenStr, "Bearer "); ok {
		tokenStr = raw
	}
	tokenStr = strings.TrimSpace(tokenStr)

	claims := &domain.CustomClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (interface{}, error) { return v.publicKey, nil },
		// Фиксируем алгоритм: подмена на HS256 с публичным ключом
		// в роли секрета не пройдет
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(TokenIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("token rejected: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token rejected: signature check failed")
	}

	return claims, nil
}

// ParsePrivateKeyPEM загружает ключ подписи. Нужен только консоли.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("signing key is not configured")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("bad signing key PEM: %w", err)
	}
	return key, nil
}

// ParsePublicKeyPEM загружает ключ проверки подписи.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("verification key is not configured")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("bad verification key PEM: %w", err)
	}
	return key, nil
}
