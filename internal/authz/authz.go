// Package authz turns bearer tokens into the acting user id.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"messaging/internal/observability/metrics"
	obsmw "messaging/internal/observability/middleware"

	"github.com/google/uuid"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrIssuer        = errors.New("issuer mismatch")
	ErrNoSubject     = errors.New("no subject")
	ErrSubjectFormat = errors.New("subject is not a user id")
)

// Validator checks a raw token and returns its subject.
type Validator interface {
	Method() string
	Validate(ctx context.Context, raw string) (string, error)
}

type subjectKey struct{}

func WithSubject(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, subjectKey{}, userID)
}

// SubjectFrom returns the authenticated user, if any.
func SubjectFrom(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(subjectKey{}).(uuid.UUID)
	return v, ok
}

// Actor is SubjectFrom in the shape the service layer takes.
func Actor(ctx context.Context) *uuid.UUID {
	if id, ok := SubjectFrom(ctx); ok {
		return &id
	}
	return nil
}

type Options struct {
	// AllowQueryToken accepts ?access_token= for websocket upgrades, where
	// browsers cannot set an Authorization header.
	AllowQueryToken bool
}

// Middleware rejects unauthenticated requests with 401 and stores the
// subject in the request context otherwise.
func Middleware(v Validator, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := "success"
			defer func() {
				metrics.AuthenticationAttemptsTotal.WithLabelValues(v.Method(), result).Inc()
			}()
			log := obsmw.Logger(r.Context())

			raw, err := bearer(r, opts.AllowQueryToken)
			if err == nil {
				var sub string
				sub, err = v.Validate(r.Context(), raw)
				if err == nil {
					var id uuid.UUID
					id, err = uuid.Parse(sub)
					if err != nil {
						err = ErrSubjectFormat
					} else {
						next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), id)))
						return
					}
				}
			}

			result = "failure"
			log.Warn("authentication failed", "method", v.Method(), "error", err)
			msg := ErrInvalidToken.Error()
			if errors.Is(err, ErrMissingToken) {
				msg = ErrMissingToken.Error()
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
		})
	}
}

func bearer(r *http.Request, allowQuery bool) (string, error) {
	raw := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		if tok := strings.TrimSpace(raw[len("Bearer "):]); tok != "" {
			return tok, nil
		}
	}
	if allowQuery {
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			return tok, nil
		}
	}
	return "", ErrMissingToken
}
