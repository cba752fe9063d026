package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/sheetal-kulkarni/finblocker-etf/pkg/response"
)

// Limits holds the request rate allowed per caller for each route class
type Limits struct {
	Auth  rate.Limit
	Flow  rate.Limit
	Query rate.Limit
	Burst int
}

// DefaultLimits allows 10 token requests, 100 flow starts and 1000 queries
// per minute for each caller
func DefaultLimits() Limits {
	return Limits{
		Auth:  rate.Limit(10.0 / 60.0),
		Flow:  rate.Limit(100.0 / 60.0),
		Query: rate.Limit(1000.0 / 60.0),
		Burst: 20,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles callers per route. A caller is the party of its token
// when one has been verified, otherwise its client IP.
type RateLimiter struct {
	limits Limits
	idle   time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor

	stop chan struct{}
	done chan struct{}
}

// NewRateLimiter starts a limiter that forgets callers idle for 3 minutes.
// Stop must be called to release its cleanup goroutine.
func NewRateLimiter(limits Limits) *RateLimiter {
	rl := &RateLimiter{
		limits:   limits,
		idle:     3 * time.Minute,
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go rl.cleanup(time.Minute)
	return rl
}

// Stop ends the cleanup loop
func (rl *RateLimiter) Stop() {
	close(rl.stop)
	<-rl.done
}

func (rl *RateLimiter) limitFor(method, path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return rl.limits.Auth
	case strings.HasPrefix(path, "/api/v1/etf") && method == "POST":
		return rl.limits.Flow
	case strings.HasPrefix(path, "/api/v1/etf"), strings.HasPrefix(path, "/api/v1/notary"):
		return rl.limits.Query
	}
	return rate.Inf
}

func (rl *RateLimiter) allow(caller, method, path string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := caller + ":" + method + ":" + path
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limitFor(method, path), rl.limits.Burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (rl *RateLimiter) cleanup(every time.Duration) {
	defer close(rl.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, v := range rl.visitors {
				if time.Since(v.lastSeen) > rl.idle {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Handler returns the gin middleware enforcing the limits
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("party")
		if caller == "" {
			caller = c.ClientIP()
		}

		if !rl.allow(caller, c.Request.Method, c.FullPath()) {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth rejects requests without a valid bearer token signed with secret
// and exposes the token's party to the handlers.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := validateAndExtractClaims(c, []byte(secret))
		if err != nil {
			return
		}

		// Ensure required claims exist
		requiredClaims := []string{"party", "exp"}
		for _, claim := range requiredClaims {
			if _, exists := claims[claim]; !exists {
				response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
				c.Abort()
				return
			}
		}

		party, ok := claims["party"].(string)
		if !ok || party == "" {
			response.Unauthorized(c, "Invalid party in token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("party", party)
		c.Next()
	}
}

func validateAndExtractClaims(c *gin.Context, secret []byte) (jwt.MapClaims, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, fmt.Errorf("authorization header required")
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, fmt.Errorf("invalid authorization header format")
	}

	tokenString := bearerToken[1]
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		response.Unauthorized(c, "Invalid token claims")
		c.Abort()
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
