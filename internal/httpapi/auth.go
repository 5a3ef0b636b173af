package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/sandrun/sandrun/internal/common/errors"
	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/store"
)

const (
	ctxUserID    = "user_id"
	ctxRequestID = "request_id"
)

// HashToken returns the hex SHA-256 of an API token, the form stored in
// api_keys.token_hash.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// authMiddleware resolves Authorization: Bearer <token> against api_keys and
// injects user_id and request_id into both the gin and request contexts.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			respondError(c, apperrors.Unauthorized("missing bearer token"))
			c.Abort()
			return
		}

		user, err := s.store.GetUserByAPIKeyHash(c.Request.Context(), HashToken(token))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respondError(c, apperrors.Unauthorized("invalid api key"))
			} else {
				respondError(c, apperrors.Internal("auth lookup failed", err))
			}
			c.Abort()
			return
		}

		requestID := uuid.New().String()
		c.Set(ctxUserID, user.ID)
		c.Set(ctxRequestID, requestID)

		ctx := context.WithValue(c.Request.Context(), logger.UserIDKey, user.ID)
		ctx = context.WithValue(ctx, logger.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// requireAdminToken guards the bootstrap endpoint. With no token configured
// the endpoint is disabled.
func (s *Server) requireAdminToken(c *gin.Context) bool {
	if s.auth.AdminToken == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return false
	}
	provided := bearerToken(c.GetHeader("Authorization"))
	if provided == "" {
		provided = c.GetHeader("X-Admin-Token")
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.auth.AdminToken)) != 1 {
		respondError(c, apperrors.Unauthorized("invalid admin token"))
		return false
	}
	return true
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func currentUserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
