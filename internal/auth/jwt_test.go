package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWT_RoundTripNormalisesAddress(t *testing.T) {
	token, err := GenerateJWT("secret", "0xABCDEF0000000000000000000000000000000001", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ParseJWT("secret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Address != "0xabcdef0000000000000000000000000000000001" {
		t.Errorf("address = %s", claims.Address)
	}
}

func TestJWT_Rejects(t *testing.T) {
	valid, _ := GenerateJWT("secret", "0x01", time.Hour)
	defaulted, _ := GenerateJWT("secret", "0x01", -time.Hour)

	// an expiration <= 0 falls back to 24h, so forge an expired token directly
	past := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Address: "0x01",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			Issuer:    issuer,
		},
	})
	pastStr, _ := past.SignedString([]byte("secret"))

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Address:          "0x01",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	})
	foreignStr, _ := foreign.SignedString([]byte("secret"))

	noAddr := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
	})
	noAddrStr, _ := noAddr.SignedString([]byte("secret"))

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{"wrong secret", "other", valid},
		{"expired", "secret", pastStr},
		{"foreign issuer", "secret", foreignStr},
		{"missing address", "secret", noAddrStr},
		{"garbage", "secret", "not.a.token"},
		{"tampered", "secret", valid[:strings.LastIndex(valid, ".")] + ".AAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseJWT(tt.secret, tt.token); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := ParseJWT("secret", defaulted); err != nil {
		t.Fatalf("non-positive expiration should default to 24h: %v", err)
	}
}

func TestGenerateJWT_RequiresAddress(t *testing.T) {
	if _, err := GenerateJWT("secret", "", time.Hour); err == nil {
		t.Fatal("expected error for empty address")
	}
}
