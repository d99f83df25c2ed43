package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Verifier turns a credential into a verified principal. Token issuance lives
// with the account service; the dispatch core only verifies.
type Verifier interface {
	Verify(credential string) (models.Principal, error)
}

// Claims is the token payload shared with the account service.
type Claims struct {
	Role models.Role `json:"role"`
	jwtlib.RegisteredClaims
}

var _ jwtlib.Claims = (*Claims)(nil)

// JWTManager verifies (and, for tooling, issues) HS256 tokens.
type JWTManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTManager(secret string, ttl time.Duration) (*JWTManager, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil, errors.New("auth: empty secret")
	}
	return &JWTManager{secret: []byte(s), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for id acting as role.
func (m *JWTManager) Issue(id string, role models.Role) (string, error) {
	if id == "" || !role.Valid() {
		return "", fmt.Errorf("auth: invalid principal %q/%q", id, role)
	}
	now := m.now().UTC()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *JWTManager) Verify(credential string) (models.Principal, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return models.Principal{}, apperr.New(apperr.KindUnauthorized, "missing credential")
	}
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithTimeFunc(m.now),
		jwtlib.WithExpirationRequired(),
	)
	claims := &Claims{}
	token, err := parser.ParseWithClaims(credential, claims, func(*jwtlib.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return models.Principal{}, apperr.New(apperr.KindUnauthorized, "invalid token")
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return models.Principal{}, apperr.New(apperr.KindUnauthorized, "token lacks subject or role")
	}
	return models.Principal{ID: claims.Subject, Role: claims.Role}, nil
}

// FromRequest extracts a credential from the Authorization header, falling
// back to the token query parameter browsers must use for websockets.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
