package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Zachkp/zach-consulting/internal/logging"
)

// SessionHeader carries the admin session token.
const SessionHeader = "X-Admin-Session"

// ContextKey is where RequireSession stores the *Session.
const ContextKey = "adminSession"

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": msg})
}

// RequireAPIKey checks the bearer credential shared by the admin client.
func RequireAPIKey(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := bearer(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			unauthorized(c, "Unauthorized")
			return
		}
		c.Next()
	}
}

// RequireSession checks the session header. Use after RequireAPIKey.
func (a *Authenticator) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(SessionHeader)
		if token == "" {
			unauthorized(c, "Admin session required")
			return
		}
		sess, err := a.Verify(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, ErrInvalidSession) {
				logging.Error().Err(err).Msg("session verification failed")
			}
			unauthorized(c, "Invalid or expired session")
			return
		}
		c.Set(ContextKey, sess)
		c.Next()
	}
}

// HasSession reports whether the request carries a valid session without
// rejecting it.
func (a *Authenticator) HasSession(c *gin.Context, apiSecret string) bool {
	got := bearer(c)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(apiSecret)) != 1 {
		return false
	}
	token := c.GetHeader(SessionHeader)
	if token == "" {
		return false
	}
	_, err := a.Verify(c.Request.Context(), token)
	return err == nil
}
