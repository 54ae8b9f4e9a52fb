// Package auth verifies bearer tokens and carries the authenticated principal
// through request contexts. Session state (issued and revoked tokens) lives
// here, apart from the accounts it grants access to.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dreamware/shardledger/internal/failure"
)

// Principal is the authenticated caller
type Principal struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Session is a verified token: who presented it, its id and when it lapses
type Session struct {
	Principal Principal
	TokenID   string
	ExpiresAt time.Time
}

// Claims is the JWT payload
type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

// WithSession stores s in ctx
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// SessionFrom returns the session stored in ctx, if any
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}

// PrincipalFrom returns the principal of the session stored in ctx
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	s, ok := SessionFrom(ctx)
	return s.Principal, ok
}

// Sessions issues and verifies HS256 tokens and tracks revocations by token id.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> token expiry
}

// NewSessions creates a session authority signing with secret
func NewSessions(secret []byte, ttl time.Duration) *Sessions {
	return &Sessions{
		secret:  secret,
		ttl:     ttl,
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
}

// SetClock replaces the time source, for tests
func (s *Sessions) SetClock(now func() time.Time) { s.now = now }

// Issue signs a token for p that expires after the configured TTL
func (s *Sessions) Issue(p Principal) (string, error) {
	now := s.now()
	claims := Claims{
		UserID:   p.UserID,
		Username: p.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token. Every failure is ErrUnauthorized.
func (s *Sessions) Verify(token string) (Session, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Session{}, failure.Wrap(failure.KindUnauthorized, err, "invalid or expired token")
	}
	if claims.ID == "" {
		return Session{}, failure.ErrUnauthorized
	}

	s.mu.Lock()
	_, revoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if revoked {
		return Session{}, failure.New(failure.KindUnauthorized, "token has been revoked")
	}

	return Session{
		Principal: Principal{UserID: claims.UserID, Username: claims.Username},
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke invalidates the session's token. Entries are kept only until the
// token would have expired anyway. A session without a token id is ignored.
func (s *Sessions) Revoke(sess Session) {
	if sess.TokenID == "" {
		return
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, id)
		}
	}
	s.revoked[sess.TokenID] = sess.ExpiresAt
}

// Middleware requires a valid bearer token and stores the session in the
// request context. onError renders the failure.
func (s *Sessions) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearer(r.Header.Get("Authorization"))
			if err != nil {
				onError(w, r, err)
				return
			}
			sess, err := s.Verify(token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

var errNoBearer = errors.New("missing bearer token")

func bearer(header string) (string, error) {
	if header == "" {
		return "", failure.Wrap(failure.KindUnauthorized, errNoBearer, "missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", failure.Wrap(failure.KindUnauthorized, errNoBearer, "invalid Authorization header format")
	}
	return parts[1], nil
}
