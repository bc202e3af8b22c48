package payment

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const returnTokenIssuer = "tessera"

// ErrInvalidToken indicates a return token failed validation.
var ErrInvalidToken = errors.New("payment: invalid return token")

// ReturnTokenClaims bind a checkout redirect back to the session it belongs
// to, so the return endpoint only consults the provider for checkouts this
// service actually started.
type ReturnTokenClaims struct {
	CheckoutSessionID string `json:"cs"`
	EventID           string `json:"event_id"`
	jwt.RegisteredClaims
}

// MintReturnToken signs a return token with HS256.
func MintReturnToken(secret []byte, checkoutSessionID, eventID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("payment: return token secret is not configured")
	}
	now := time.Now().UTC()
	claims := ReturnTokenClaims{
		CheckoutSessionID: checkoutSessionID,
		EventID:           eventID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    returnTokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyReturnToken checks the signature and claims and returns the checkout
// session and event the redirect belongs to.
func VerifyReturnToken(secret []byte, token string) (checkoutSessionID, eventID string, err error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &ReturnTokenClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		return "", "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*ReturnTokenClaims)
	if !ok || !parsed.Valid || claims.Issuer != returnTokenIssuer {
		return "", "", ErrInvalidToken
	}
	if claims.CheckoutSessionID == "" || claims.EventID == "" {
		return "", "", ErrInvalidToken
	}
	return claims.CheckoutSessionID, claims.EventID, nil
}
