package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User is the authenticated caller extracted from a verified JWT.
type User struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	OrganizationID string `json:"organizationId"`
}

// Verifier checks request JWTs against a JWKS endpoint. Keys are cached
// and refreshed in the background so the request path never blocks on a
// network fetch.
type Verifier struct {
	jwksURL    string
	cache      *jwk.Cache
	refreshTTL time.Duration

	mu      sync.RWMutex
	keySet  jwk.Set
	fetched time.Time
}

// NewVerifier warms the JWKS cache and starts its background refresh loop.
func NewVerifier(jwksURL string) (*Verifier, error) {
	v := &Verifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	v.keySet = keySet
	v.fetched = time.Now()

	go v.refreshLoop()
	return v, nil
}

func (v *Verifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *Verifier) refreshLoop() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()
		if err != nil {
			// Keep serving the cached set; next tick retries.
			continue
		}
		v.mu.Lock()
		v.keySet = keySet
		v.fetched = time.Now()
		v.mu.Unlock()
	}
}

func (v *Verifier) keys() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// UserFromRequest parses and validates the bearer token on a request.
func (v *Verifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.keys()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	u := &User{ID: userID}
	if claim, ok := token.Get("email"); ok {
		u.Email, _ = claim.(string)
	}
	if claim, ok := token.Get("organizationId"); ok {
		u.OrganizationID, _ = claim.(string)
	}
	return u, nil
}

const userContextKey = "auth_user"

// Middleware rejects unauthenticated requests and stashes the verified
// user on the gin context for handlers.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// UserFromContext returns the user placed by Middleware, or nil.
func UserFromContext(c *gin.Context) *User {
	if u, ok := c.Get(userContextKey); ok {
		if user, ok := u.(*User); ok {
			return user
		}
	}
	return nil
}
