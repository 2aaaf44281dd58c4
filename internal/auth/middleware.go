package auth

import (
	"net"
	"net/http"
	"strings"

	"medibot/internal/audit"
	"medibot/internal/metrics"
	"medibot/internal/models"

	"github.com/gin-gonic/gin"
)

const (
	identityContextKey  = "auth_identity"
	authTokenContextKey = "auth_token"

	FingerprintHeader = "X-Fingerprint"
)

// Authenticator resolves bearer credentials on incoming requests.
type Authenticator struct {
	verifier Verifier
	metrics  *metrics.Pipeline
	audit    audit.Recorder
}

func NewAuthenticator(v Verifier, m *metrics.Pipeline, rec audit.Recorder) *Authenticator {
	if rec == nil {
		rec = audit.Discard{}
	}
	return &Authenticator{verifier: v, metrics: m, audit: rec}
}

// Optional marks requests with a valid bearer token as authenticated and
// lets everything else through as anonymous.
func (a *Authenticator) Optional() gin.HandlerFunc {
	return func(c *gin.Context) {
		a.authenticate(c)
		c.Next()
	}
}

// Require rejects requests without a valid bearer token.
func (a *Authenticator) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := IdentityFromContext(c); !ok && !a.authenticate(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		c.Next()
	}
}

func (a *Authenticator) authenticate(c *gin.Context) bool {
	token := extractToken(c)
	if token == "" {
		return false
	}
	id, err := a.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		method := MethodToken
		if strings.Count(token, ".") == 2 {
			method = MethodJWT
		}
		a.metrics.AuthFailure(method)
		ip, _, _ := ClientInfo(c)
		a.audit.Record(models.AuditEvent{
			Type:     models.AuditAuth,
			Action:   "token_rejected",
			ActorID:  ip,
			Severity: models.SeverityWarning,
			Details:  map[string]string{"method": method, "error": err.Error()},
		})
		return false
	}
	c.Set(identityContextKey, id)
	c.Set(authTokenContextKey, token)
	return true
}

// IdentityFromContext retrieves the identity stored by the middleware.
func IdentityFromContext(c *gin.Context) (*Identity, bool) {
	val, ok := c.Get(identityContextKey)
	if !ok {
		return nil, false
	}
	id, ok := val.(*Identity)
	return id, ok && id != nil
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

// ClientInfo returns the client ip, user agent and device fingerprint.
func ClientInfo(c *gin.Context) (ip, userAgent, fingerprint string) {
	ip = c.ClientIP()
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if net.ParseIP(first) != nil {
			ip = first
		}
	}
	return ip, c.GetHeader("User-Agent"), c.GetHeader(FingerprintHeader)
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
