package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// Session-Scoped Authentication
//
// Two credential levels:
//
//   master token  — API_AUTH_TOKEN from the environment. Grants access
//                   to every route, including session creation.
//   session token — minted when a session is created and returned once
//                   in the create response. Grants access only to that
//                   session's routes (/api/sessions/:id/...), so an
//                   embedder can hand a worker the token for its own
//                   engine without exposing every other session.
//
// If API_AUTH_TOKEN is unset the guard runs in dev mode and admits
// everything; session tokens are still minted so clients can develop
// against the same response shape.

// AuthGuard validates master and per-session bearer tokens.
type AuthGuard struct {
	master string

	mu            sync.RWMutex
	sessionTokens map[string]string // session ID → token
}

// NewAuthGuard reads the master token from the environment.
func NewAuthGuard() *AuthGuard {
	master := os.Getenv("API_AUTH_TOKEN")
	if master == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[SECURITY WARNING] API_AUTH_TOKEN is not set in release mode: " +
			"anyone can create sessions and drive every engine. " +
			"Set API_AUTH_TOKEN to enforce authentication.")
	}
	return &AuthGuard{
		master:        master,
		sessionTokens: make(map[string]string),
	}
}

// IssueSessionToken mints and registers the scoped token for a session.
func (g *AuthGuard) IssueSessionToken(sessionID string) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// Without entropy there is nothing safe to mint; the session
		// stays reachable through the master token only.
		log.Printf("[AuthGuard] Failed to mint session token: %v", err)
		return ""
	}
	token := hex.EncodeToString(buf)

	g.mu.Lock()
	g.sessionTokens[sessionID] = token
	g.mu.Unlock()
	return token
}

// Revoke drops a session's token when the session is deleted.
func (g *AuthGuard) Revoke(sessionID string) {
	g.mu.Lock()
	delete(g.sessionTokens, sessionID)
	g.mu.Unlock()
}

// authorize checks a presented token against the master and, when the
// route addresses a session, that session's own token.
func (g *AuthGuard) authorize(presented, sessionID string) bool {
	if subtle.ConstantTimeCompare([]byte(presented), []byte(g.master)) == 1 {
		return true
	}
	if sessionID == "" {
		return false
	}

	g.mu.RLock()
	scoped, ok := g.sessionTokens[sessionID]
	g.mu.RUnlock()

	return ok && scoped != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(scoped)) == 1
}

// Middleware returns a Gin handler enforcing the two-level scheme.
// With no master token configured, all requests pass (dev mode).
func (g *AuthGuard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.master == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"hint":  "Use: Authorization: Bearer <master or session token>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid Authorization header format"})
			c.Abort()
			return
		}

		if !g.authorize(parts[1], c.Param("id")) {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Token not valid for this session",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
