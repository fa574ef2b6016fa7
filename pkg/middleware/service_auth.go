package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// ContextKeyCaller holds the authenticated calling service
	ContextKeyCaller = "caller_service"
)

var ErrInvalidServiceToken = errors.New("invalid service token")

// ServiceClaims are issued by upstream services (order, admin) to call this API
type ServiceClaims struct {
	Service string   `json:"svc"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope
func (c *ServiceClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ServiceAuthConfig configures HS256 service token verification
type ServiceAuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// ParseServiceToken validates a bearer token and returns its claims
func ParseServiceToken(cfg *ServiceAuthConfig, raw string) (*ServiceClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &ServiceClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidServiceToken
	}
	if claims.Service == "" {
		return nil, ErrInvalidServiceToken
	}
	return claims, nil
}

// ServiceAuth rejects requests without a valid service token. When scope is non-empty
// the token must also carry it.
func ServiceAuth(cfg *ServiceAuthConfig, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("UNAUTHORIZED", "missing bearer token"))
			return
		}

		claims, err := ParseServiceToken(cfg, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("UNAUTHORIZED", err.Error()))
			return
		}
		if scope != "" && !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody("FORBIDDEN", "token lacks scope "+scope))
			return
		}

		c.Set(ContextKeyCaller, claims.Service)
		c.Next()
	}
}

// GetCaller returns the authenticated calling service
func GetCaller(c *gin.Context) (string, bool) {
	v, ok := c.Get(ContextKeyCaller)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
