// Package jwtsigner mints access tokens the messages service accepts. The
// identity provider is external; this exists for local clients, the msgctl
// console and tests.
package jwtsigner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Signer struct {
	method jwt.SigningMethod
	key    any
	public ed25519.PublicKey
	KeyID  string
	Issuer string
}

// NewHMAC signs HS256 tokens with the shared secret.
func NewHMAC(secret, iss string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("jwtsigner: empty HS256 secret")
	}
	return &Signer{method: jwt.SigningMethodHS256, key: []byte(secret), Issuer: iss}, nil
}

// NewFromBase64 creates an EdDSA signer from base64-encoded ed25519 private
// key bytes. An empty privB64 generates an ephemeral key.
func NewFromBase64(privB64, kid, iss string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		_, priv, _ = ed25519.GenerateKey(rand.Reader)
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("jwtsigner: invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	return &Signer{
		method: jwt.SigningMethodEdDSA,
		key:    priv,
		public: priv.Public().(ed25519.PublicKey),
		KeyID:  kid,
		Issuer: iss,
	}, nil
}

// Sign issues a token for subject sub (a user id) valid for ttl.
func (s *Signer) Sign(sub string, ttl time.Duration, claims map[string]any) (string, error) {
	now := time.Now()
	m := jwt.MapClaims{}
	for k, v := range claims {
		m[k] = v
	}
	m["iss"] = s.Issuer
	m["sub"] = sub
	m["iat"] = now.Unix()
	m["exp"] = now.Add(ttl).Unix()

	t := jwt.NewWithClaims(s.method, m)
	if s.KeyID != "" {
		t.Header["kid"] = s.KeyID
	}
	return t.SignedString(s.key)
}

// PublicJWK renders the verification key; nil for shared-secret signers.
func (s *Signer) PublicJWK() map[string]any {
	if s.public == nil {
		return nil
	}
	return map[string]any{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": "EdDSA",
		"use": "sig",
		"kid": s.KeyID,
		"x":   base64.RawURLEncoding.EncodeToString(s.public),
	}
}

// JWKSHandler serves the key set document.
func (s *Signer) JWKSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		keys := []map[string]any{}
		if jwk := s.PublicJWK(); jwk != nil {
			keys = append(keys, jwk)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	})
}
