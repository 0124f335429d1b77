package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/imrishuroy/casefab/internal/idempotency"
	"github.com/imrishuroy/casefab/internal/metrics"
	"github.com/imrishuroy/casefab/internal/orders"
	"github.com/imrishuroy/casefab/internal/printjobs"
	"github.com/imrishuroy/casefab/internal/sessions"
	"github.com/imrishuroy/casefab/internal/validation"
)

const maxOrderBody = 64 << 10

// createOrder accepts a print order for a submitted session. The vendor call
// happens in the worker; this handler only claims the idempotency key,
// records the order and enqueues it.
func (a *API) createOrder(c *gin.Context) {
	ctx := c.Request.Context()

	// Require idempotency key header
	idempKey := c.GetHeader("Idempotency-Key")
	if idempKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxOrderBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, a.v); err != nil {
		return
	}

	sess, err := a.deps.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		internalError(c, "session_lookup_failed", err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}

	hash := idempotency.HashRequest(raw)
	orderID := uuid.NewString()

	claimed, err := a.deps.Idempotency.Claim(ctx, idempKey, orderID, sess.SessionID, hash)
	if err != nil {
		internalError(c, "idempotency_check_failed", err)
		return
	}
	if !claimed {
		a.replay(c, idempKey, hash)
		return
	}

	if sess.Status != sessions.StatusSubmitted {
		// nothing was attempted; the same key may be used once the session is ready
		a.release(ctx, idempKey)
		c.JSON(http.StatusConflict, gin.H{"error": "session_not_submitted", "status": sess.Status})
		return
	}

	imageURL := req.ImageURL
	if imageURL == "" {
		imageURL = sess.ImageURL
	}
	phoneModel := req.PhoneModel
	if phoneModel == "" {
		phoneModel = sess.PhoneModel
	}

	order, created, err := a.deps.Orders.Create(ctx, orders.Order{
		ID:             orderID,
		SessionID:      sess.SessionID,
		MachineID:      sess.MachineID,
		ProductID:      req.ProductID,
		PayType:        req.PayType,
		ImageURL:       imageURL,
		PhoneModel:     phoneModel,
		Amount:         req.Amount,
		WidthMM:        req.WidthMM,
		HeightMM:       req.HeightMM,
		IdempotencyKey: idempKey,
	})
	if errors.Is(err, orders.ErrSessionBusy) {
		a.release(ctx, idempKey)
		c.JSON(http.StatusConflict, gin.H{"error": "session_has_active_order"})
		return
	}
	if err != nil {
		_ = a.deps.Idempotency.MarkFailed(ctx, idempKey, fmt.Sprintf("order_insert_failed: %v", err))
		internalError(c, "order_create_failed", err)
		return
	}
	if !created {
		// the key outlived its idempotency record; the order already exists
		if body, merr := json.Marshal(order); merr == nil {
			if err := a.deps.Idempotency.MarkDone(ctx, idempKey, string(body), http.StatusOK); err != nil {
				log.Printf("[api] mark idempotency done key=%s failed: %v", idempKey, err)
			}
		}
		c.JSON(http.StatusOK, order)
		return
	}

	msgID, err := a.deps.Jobs.Enqueue(ctx, printjobs.Job{
		OrderID:        order.ID,
		SessionID:      order.SessionID,
		MachineID:      order.MachineID,
		IdempotencyKey: idempKey,
		CorrelationID:  c.GetString(requestIDKey),
	})
	if err != nil {
		// mark both failed so the client can retry with a new key
		_ = a.deps.Idempotency.MarkFailed(ctx, idempKey, fmt.Sprintf("sqs_send_failed: %v", err))
		if ferr := a.deps.Orders.MarkFailed(ctx, order.ID, "enqueue failed"); ferr != nil {
			log.Printf("[api] mark order=%s failed: %v", order.ID, ferr)
		}
		internalError(c, "enqueue_failed", err)
		return
	}

	log.Printf("[api] accepted order=%s session=%s machine=%s message=%s", order.ID, order.SessionID, order.MachineID, msgID)
	a.deps.Metrics.Count(ctx, metrics.OrderAccepted, map[string]string{"machine_id": order.MachineID, "pay_type": order.PayType})
	c.JSON(http.StatusAccepted, gin.H{"order_id": order.ID, "status": order.Status})
}

func (a *API) release(ctx context.Context, key string) {
	if err := a.deps.Idempotency.Release(ctx, key); err != nil {
		log.Printf("[api] release idempotency key=%s failed: %v", key, err)
	}
}

// replay answers a request whose idempotency key is already claimed.
func (a *API) replay(c *gin.Context, key, hash string) {
	ctx := c.Request.Context()
	a.deps.Metrics.Count(ctx, metrics.OrderDuplicate, nil)

	rec, err := a.deps.Idempotency.Get(ctx, key)
	if err != nil {
		internalError(c, "idempotency_check_failed", err)
		return
	}
	if rec == nil {
		// expired between the claim and the read
		c.JSON(http.StatusConflict, gin.H{"error": "idempotency_key_expired_retry"})
		return
	}
	if rec.RequestHash != "" && rec.RequestHash != hash {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "idempotency_key_reused"})
		return
	}

	switch rec.Status {
	case idempotency.StatusDone:
		if rec.ResponseBody != "" && json.Valid([]byte(rec.ResponseBody)) {
			status := rec.ResponseStatus
			if status == 0 {
				status = http.StatusOK
			}
			c.Data(status, "application/json", []byte(rec.ResponseBody))
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_id": rec.OrderID})
	case idempotency.StatusInProgress:
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "order_id": rec.OrderID})
	case idempotency.StatusFailed:
		c.JSON(http.StatusConflict, gin.H{"error": "previous_attempt_failed", "order_id": rec.OrderID, "note": rec.Note})
	default:
		internalError(c, "unknown_idempotency_status", fmt.Errorf("status %q", rec.Status))
	}
}

func (a *API) getOrder(c *gin.Context) {
	o, err := a.deps.Orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		internalError(c, "order_lookup_failed", err)
		return
	}
	if o == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
		return
	}
	c.JSON(http.StatusOK, o)
}

// sessionOrders lists every order placed for a session, oldest first. The
// history outlives the session record.
func (a *API) sessionOrders(c *gin.Context) {
	list, err := a.deps.Orders.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		internalError(c, "order_lookup_failed", err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}
