package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/casefab/internal/metrics"
	"github.com/imrishuroy/casefab/internal/orders"
	"github.com/imrishuroy/casefab/internal/sessions"
	"github.com/imrishuroy/casefab/internal/validation"
)

func (a *API) createSession(c *gin.Context) {
	ctx := c.Request.Context()

	var req validation.CreateSessionRequest
	if err := validation.BindAndValidate(c, &req, a.v); err != nil {
		return
	}
	if !a.machineAllowed(req.MachineID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "machine_not_allowed"})
		return
	}

	sess, created, err := a.deps.Sessions.Create(ctx, sessions.CreateInput{
		SessionID:   req.SessionID,
		MachineID:   req.MachineID,
		ProductType: req.ProductType,
	})
	if err != nil {
		if errors.Is(err, sessions.ErrInvalidAction) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session", "msg": err.Error()})
			return
		}
		internalError(c, "session_create_failed", err)
		return
	}

	if !created {
		if sess.MachineID != req.MachineID {
			c.JSON(http.StatusConflict, gin.H{"error": "session_id_in_use"})
			return
		}
		c.JSON(http.StatusOK, sess)
		return
	}

	a.deps.Metrics.Count(ctx, metrics.SessionCreated, map[string]string{"machine_id": sess.MachineID})
	a.mirrorSession(ctx, sess)
	c.JSON(http.StatusCreated, sess)
}

func (a *API) getSession(c *gin.Context) {
	sess, err := a.deps.Sessions.Describe(c.Request.Context(), c.Param("id"))
	if err != nil {
		internalError(c, "session_lookup_failed", err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *API) applyAction(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req validation.SessionActionRequest
	if err := validation.BindAndValidate(c, &req, a.v); err != nil {
		return
	}

	action, err := sessions.ParseAction(req.Action, sessions.ActionParams{
		ImageURL:   req.ImageURL,
		ImageSize:  req.ImageSize,
		DesignID:   req.DesignID,
		PhoneModel: req.PhoneModel,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action", "msg": err.Error(), "allowed": sessions.AllowedActions()})
		return
	}

	sess, err := a.deps.Sessions.Apply(ctx, id, action)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	case errors.Is(err, sessions.ErrInvalidTransition):
		a.deps.Metrics.Count(ctx, metrics.SessionRejected, map[string]string{"action": action.Name()})
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "msg": err.Error()})
		return
	case errors.Is(err, sessions.ErrInvalidAction), errors.Is(err, sessions.ErrUnknownAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action", "msg": err.Error()})
		return
	case err != nil:
		internalError(c, "session_update_failed", err)
		return
	}

	a.deps.Metrics.Count(ctx, metrics.SessionTransition, map[string]string{"action": action.Name()})
	a.mirrorSession(ctx, sess)

	if action.Name() == sessions.ActionCompletePrint && a.deps.Orders != nil {
		n, err := a.deps.Orders.CompleteForSession(ctx, sess.SessionID)
		if err != nil {
			log.Printf("[api] complete orders for session=%s failed: %v", sess.SessionID, err)
		} else if n > 0 {
			log.Printf("[api] session=%s completed %d order(s)", sess.SessionID, n)
		}
	}

	c.JSON(http.StatusOK, sess)
}

// machineJobs is polled by the kiosk for sessions waiting on it.
func (a *API) machineJobs(c *gin.Context) {
	machineID := c.Param("machine_id")
	if !a.machineAllowed(machineID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "machine_not_allowed"})
		return
	}
	status, err := sessions.ParseStatus(c.DefaultQuery("status", string(sessions.StatusQueued)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "msg": err.Error()})
		return
	}

	jobs, err := a.deps.Sessions.ListByMachineStatus(c.Request.Context(), machineID, status)
	if err != nil {
		internalError(c, "jobs_lookup_failed", err)
		return
	}
	if jobs == nil {
		jobs = []sessions.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"machine_id": machineID, "status": status, "jobs": jobs})
}

// mirrorSession copies the session into Postgres; failures are logged only.
func (a *API) mirrorSession(ctx context.Context, s *sessions.Session) {
	if a.deps.Orders == nil {
		return
	}
	err := a.deps.Orders.RecordSession(ctx, orders.SessionRow{
		SessionID:   s.SessionID,
		MachineID:   s.MachineID,
		ProductType: s.ProductType,
		Status:      string(s.Status),
		ImageURL:    s.ImageURL,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	})
	if err != nil {
		log.Printf("[api] mirror session=%s failed: %v", s.SessionID, err)
	}
}
