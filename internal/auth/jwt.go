package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims identifies the agency operator on whose behalf an API call runs.
// Every payment a token initiates is scoped to its AgencyID.
type Claims struct {
	UserID   uuid.UUID
	AgencyID uuid.UUID
	Email    string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	AgencyID string `json:"agency_id"`
	Email    string `json:"email"`
}

func GenerateToken(userID, agencyID uuid.UUID, email string, secret string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID:   userID.String(),
		AgencyID: agencyID.String(),
		Email:    email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("GenerateToken: %w", err)
	}
	return signed, nil
}

func ValidateToken(tokenString string, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("ValidateToken: %w", err)
	}

	tc, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("ValidateToken: invalid token claims")
	}

	userID, err := uuid.Parse(tc.UserID)
	if err != nil {
		return nil, fmt.Errorf("ValidateToken: invalid user_id in token: %w", err)
	}
	agencyID, err := uuid.Parse(tc.AgencyID)
	if err != nil {
		return nil, fmt.Errorf("ValidateToken: invalid agency_id in token: %w", err)
	}

	return &Claims{
		UserID:   userID,
		AgencyID: agencyID,
		Email:    tc.Email,
	}, nil
}
