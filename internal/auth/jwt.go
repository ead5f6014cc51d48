package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/propertyledger/backend/internal/models"
)

const issuer = "property-settlement"

// Claims identify the caller by the ledger address they act for.
type Claims struct {
	Address string `json:"address"`
	jwt.RegisteredClaims
}

// GenerateJWT issues a token for address. expiration <= 0 means 24h.
func GenerateJWT(secret, address string, expiration time.Duration) (string, error) {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	if address == "" {
		return "", fmt.Errorf("address is required")
	}

	now := time.Now()
	claims := Claims{
		Address: models.NormalizeAddress(address),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   models.NormalizeAddress(address),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWT(secret string, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Address == "" {
		return nil, fmt.Errorf("invalid token")
	}
	claims.Address = models.NormalizeAddress(claims.Address)
	return claims, nil
}
