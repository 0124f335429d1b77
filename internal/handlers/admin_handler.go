package handlers

import (
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/casefab/internal/metrics"
	"github.com/imrishuroy/casefab/internal/storage"
	"github.com/imrishuroy/casefab/internal/validation"
)

// bearerAuth rejects requests before any handler runs unless they carry one
// of tokens. With no tokens configured every request is rejected.
func bearerAuth(tokens []string) gin.HandlerFunc {
	var accepted [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			accepted = append(accepted, []byte(t))
		}
	}
	return func(c *gin.Context) {
		if len(accepted) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin_disabled"})
			return
		}
		h := c.GetHeader("Authorization")
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		for _, want := range accepted {
			if subtle.ConstantTimeCompare([]byte(token), want) == 1 {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

type cleanupFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// cleanup deletes design objects best-effort. Partial failure answers 207.
func (a *API) cleanup(c *gin.Context) {
	ctx := c.Request.Context()

	var req validation.CleanupRequest
	if err := validation.BindAndValidate(c, &req, a.v); err != nil {
		return
	}

	deleted, err := a.deps.Designs.DeleteObjects(ctx, req.Keys)
	if deleted == nil {
		deleted = []string{}
	}
	var ce *storage.CleanupError
	if errors.As(err, &ce) {
		failed := make([]cleanupFailure, 0, len(ce.Failed))
		for _, k := range ce.Keys() {
			failed = append(failed, cleanupFailure{Key: k, Error: ce.Failed[k].Error()})
		}
		log.Printf("[api] cleanup deleted=%d failed=%d", len(deleted), len(failed))
		a.deps.Metrics.Add(ctx, metrics.CleanupFailed, float64(len(failed)), nil)
		c.JSON(http.StatusMultiStatus, gin.H{"deleted": deleted, "failed": failed})
		return
	}
	if err != nil {
		internalError(c, "cleanup_failed", err)
		return
	}
	log.Printf("[api] cleanup deleted=%d", len(deleted))
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "failed": []cleanupFailure{}})
}
