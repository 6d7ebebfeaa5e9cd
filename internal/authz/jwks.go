package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

// JWTValidator verifies asymmetric tokens against the identity provider's
// JWKS, refreshing keys in the background.
type JWTValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
}

func NewJWTValidator(jwksURL, issuer string) (*JWTValidator, error) {
	options := keyfunc.Options{
		RefreshInterval:   15 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
	}
	jwks, err := keyfunc.Get(jwksURL, options)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{jwks: jwks, issuer: issuer}, nil
}

func (j *JWTValidator) Method() string { return "jwks" }

func (j *JWTValidator) Close() { j.jwks.EndBackground() }

func (j *JWTValidator) Validate(_ context.Context, raw string) (string, error) {
	token, err := jwt.Parse(raw, j.jwks.Keyfunc)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	if iss, _ := claims["iss"].(string); iss != "" && j.issuer != "" && iss != j.issuer {
		return "", fmt.Errorf("%w: %s", ErrIssuer, iss)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrNoSubject
	}
	return sub, nil
}
