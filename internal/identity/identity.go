package identity

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

var (
	ErrNoToken      = errors.New("no token supplied")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the resolved caller of a request. The forum's auth service
// owns credentials; this layer only verifies the token it minted.
type Identity struct {
	UserID   int64
	Username string
}

type claims struct {
	jwt.RegisteredClaims
	UserID   int64  `json:"uid"`
	Username string `json:"name"`
}

// Resolver verifies HS256 session tokens signed with the secret shared
// with the forum's auth service, caching resolved identities until the
// token itself expires so a chatty client does not re-verify per request.
type Resolver struct {
	logger *slog.Logger
	secret []byte
	cache  *ttlcache.Cache[string, Identity]
}

func NewResolver(logger *slog.Logger, secret string, cacheTTL time.Duration) *Resolver {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, Identity](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, Identity](), // dont bump ttl on hit
	)
	go cache.Start()

	return &Resolver{
		logger: logger,
		secret: []byte(secret),
		cache:  cache,
	}
}

// FromRequest resolves the identity attached to the request, or nil when
// the request carries no usable token. Unauthenticated is a normal
// outcome here; endpoints that require identity reject on nil themselves.
func (rs *Resolver) FromRequest(r *http.Request) *Identity {
	token := extractToken(r)
	if token == "" {
		return nil
	}
	ident, err := rs.Resolve(token)
	if err != nil {
		rs.logger.Debug("Token rejected", "error", err)
		return nil
	}
	return ident
}

// Resolve verifies a raw token and returns its identity.
func (rs *Resolver) Resolve(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	if item := rs.cache.Get(token); item != nil {
		ident := item.Value()
		return &ident, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return rs.secret, nil
	})
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if c.UserID == 0 || c.Username == "" {
		return nil, errors.Wrap(ErrInvalidToken, "missing uid or name claim")
	}

	ident := Identity{UserID: c.UserID, Username: c.Username}

	// Cache no longer than the token remains valid.
	ttl := ttlcache.DefaultTTL
	if c.ExpiresAt != nil {
		if remaining := time.Until(c.ExpiresAt.Time); remaining > 0 {
			ttl = remaining
		}
	}
	rs.cache.Set(token, ident, ttl)

	return &ident, nil
}

// extractToken pulls the session token from the Authorization header or
// the token query parameter. EventSource cannot set request headers, so
// streaming clients pass the token in the query string.
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
