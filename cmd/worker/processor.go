package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/casefab/internal/chitu"
	"github.com/imrishuroy/casefab/internal/idempotency"
	"github.com/imrishuroy/casefab/internal/metrics"
	"github.com/imrishuroy/casefab/internal/orders"
	"github.com/imrishuroy/casefab/internal/printjobs"
	"github.com/imrishuroy/casefab/internal/sessions"
)

type orderStore interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	UpdateStatus(ctx context.Context, id, expected, newStatus string) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
	SetVendorOrder(ctx context.Context, id, vendorOrderID string) error
	Requeue(ctx context.Context, id, reason string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

type sessionStore interface {
	Apply(ctx context.Context, sessionID string, action sessions.Action) (*sessions.Session, error)
}

type idempotencyStore interface {
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}

type vendor interface {
	CreateOrder(ctx context.Context, req chitu.CreateOrderRequest) (*chitu.VendorOrder, error)
	Orders(ctx context.Context, machineID string, page, limit int) ([]chitu.VendorOrder, error)
}

// Processor places queued print orders with the vendor.
type Processor struct {
	orders      orderStore
	sessions    sessionStore
	idempotency idempotencyStore
	vendor      vendor
	metrics     *metrics.Emitter
	maxAttempts int
}

// NewProcessor creates a worker processor with its stores injected.
func NewProcessor(o orderStore, s sessionStore, i idempotencyStore, v vendor, m *metrics.Emitter, maxAttempts int) *Processor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Processor{orders: o, sessions: s, idempotency: i, vendor: v, metrics: m, maxAttempts: maxAttempts}
}

// Handle processes an SQS batch and reports the messages that should be
// redelivered; the rest are deleted from the queue.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			log.Printf("[worker] message=%s failed: %v", rec.MessageId, err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	job, err := printjobs.Decode(rec.Body)
	if err != nil {
		return err
	}

	log.Printf("[worker] received order=%s session=%s idempotency_key=%s corr=%s",
		job.OrderID, job.SessionID, job.IdempotencyKey, job.CorrelationID)

	order, err := p.orders.Get(ctx, job.OrderID)
	if err != nil {
		return fmt.Errorf("failed to fetch order: %w", err)
	}
	if order == nil {
		return fmt.Errorf("order not found: %s", job.OrderID)
	}

	// Move waiting -> processing; losing this race means another delivery owns it.
	err = p.orders.UpdateStatus(ctx, order.ID, orders.StatusWaiting, orders.StatusProcessing)
	if errors.Is(err, orders.ErrStatusMismatch) {
		cur, getErr := p.orders.Get(ctx, order.ID)
		if getErr != nil || cur == nil {
			return fmt.Errorf("reload order=%s after status mismatch: %v", order.ID, getErr)
		}
		if cur.Terminal() {
			log.Printf("[worker] skipping order=%s already %s", order.ID, cur.Status)
		} else {
			log.Printf("[worker] skipping order=%s owned by another delivery (status %s)", order.ID, cur.Status)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update status to processing: %w", err)
	}

	attempts, err := p.orders.IncrementAttempts(ctx, order.ID)
	if err != nil {
		return p.requeue(ctx, order, err)
	}

	vo, err := p.placeOrder(ctx, order, attempts)
	if err != nil {
		p.metrics.Count(ctx, metrics.VendorOrderFailed, map[string]string{"machine_id": order.MachineID})
		if attempts < p.maxAttempts && !permanent(err) {
			return p.requeue(ctx, order, err)
		}
		return p.fail(ctx, order, job.IdempotencyKey, err)
	}

	if err := p.orders.SetVendorOrder(ctx, order.ID, vo.OrderID); err != nil {
		// the vendor order exists; never requeue from here
		log.Printf("[worker] order=%s vendor_order=%s: store vendor id failed: %v", order.ID, vo.OrderID, err)
	}
	p.metrics.Count(ctx, metrics.VendorOrderCreated, map[string]string{"machine_id": order.MachineID})

	if _, err := p.sessions.Apply(ctx, order.SessionID, sessions.QueuePrint{}); err != nil {
		switch {
		case errors.Is(err, sessions.ErrInvalidTransition):
			log.Printf("[worker] session=%s already past submitted", order.SessionID)
		case errors.Is(err, sessions.ErrNotFound):
			log.Printf("[worker] session=%s expired before queueing order=%s", order.SessionID, order.ID)
		default:
			log.Printf("[worker] queue session=%s failed: %v", order.SessionID, err)
		}
	}

	response, _ := json.Marshal(map[string]string{
		"order_id":        order.ID,
		"status":          orders.StatusProcessing,
		"vendor_order_id": vo.OrderID,
	})
	if err := p.idempotency.MarkDone(ctx, job.IdempotencyKey, string(response), 201); err != nil {
		log.Printf("[worker] mark idempotency done key=%s failed: %v", job.IdempotencyKey, err)
	}

	log.Printf("[worker] placed order=%s vendor_order=%s attempts=%d", order.ID, vo.OrderID, attempts)
	return nil
}

// placeOrder calls the vendor once. On a retry it first looks for an order an
// earlier attempt may have created before failing.
func (p *Processor) placeOrder(ctx context.Context, order *orders.Order, attempts int) (*chitu.VendorOrder, error) {
	if attempts > 1 {
		if vo := p.findPlaced(ctx, order); vo != nil {
			log.Printf("[worker] order=%s already placed as %s", order.ID, vo.OrderID)
			return vo, nil
		}
	}
	vo, err := p.vendor.CreateOrder(ctx, chitu.CreateOrderRequest{
		MachineID:  order.MachineID,
		ProductID:  order.ProductID,
		PayType:    chitu.PayType(order.PayType),
		ImageURL:   order.ImageURL,
		PhoneModel: order.PhoneModel,
		Amount:     order.Amount,
		OutTradeNo: order.ID,
	})
	if err != nil {
		return nil, err
	}
	if vo == nil || vo.OrderID == "" {
		return nil, errors.New("vendor returned no order id")
	}
	return vo, nil
}

func (p *Processor) findPlaced(ctx context.Context, order *orders.Order) *chitu.VendorOrder {
	recent, err := p.vendor.Orders(ctx, order.MachineID, 1, 50)
	if err != nil {
		log.Printf("[worker] list vendor orders for machine=%s failed: %v", order.MachineID, err)
		return nil
	}
	for i := range recent {
		if recent[i].OutTradeNo == order.ID && recent[i].OrderID != "" {
			return &recent[i]
		}
	}
	return nil
}

func (p *Processor) requeue(ctx context.Context, order *orders.Order, cause error) error {
	if err := p.orders.Requeue(ctx, order.ID, cause.Error()); err != nil {
		log.Printf("[worker] requeue order=%s failed: %v", order.ID, err)
	}
	return fmt.Errorf("order=%s will retry: %w", order.ID, cause)
}

func (p *Processor) fail(ctx context.Context, order *orders.Order, key string, cause error) error {
	log.Printf("[worker] giving up on order=%s: %v", order.ID, cause)
	if err := p.orders.MarkFailed(ctx, order.ID, cause.Error()); err != nil {
		log.Printf("[worker] mark order=%s failed: %v", order.ID, err)
	}
	if err := p.idempotency.MarkFailed(ctx, key, cause.Error()); err != nil && !errors.Is(err, idempotency.ErrNotFound) {
		log.Printf("[worker] mark idempotency failed key=%s: %v", key, err)
	}
	return nil
}

// permanent reports vendor answers that a retry cannot change.
func permanent(err error) bool {
	return errors.Is(err, chitu.ErrNotFound) ||
		errors.Is(err, chitu.ErrNotConfigured) ||
		errors.Is(err, chitu.ErrUnderDevelopment)
}
