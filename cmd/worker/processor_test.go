package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/casefab/internal/chitu"
	"github.com/imrishuroy/casefab/internal/orders"
	"github.com/imrishuroy/casefab/internal/printjobs"
	"github.com/imrishuroy/casefab/internal/sessions"
)

// --- mock implementations ---

type memOrders struct {
	byID map[string]*orders.Order
}

func (m *memOrders) Get(ctx context.Context, id string) (*orders.Order, error) {
	o, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) UpdateStatus(ctx context.Context, id, expected, newStatus string) error {
	o, ok := m.byID[id]
	if !ok || o.Status != expected {
		return orders.ErrStatusMismatch
	}
	o.Status = newStatus
	return nil
}

func (m *memOrders) IncrementAttempts(ctx context.Context, id string) (int, error) {
	o := m.byID[id]
	o.Attempts++
	return o.Attempts, nil
}

func (m *memOrders) SetVendorOrder(ctx context.Context, id, vendorOrderID string) error {
	m.byID[id].VendorOrderID = &vendorOrderID
	return nil
}

func (m *memOrders) Requeue(ctx context.Context, id, reason string) error {
	o := m.byID[id]
	if o.Status != orders.StatusProcessing {
		return orders.ErrStatusMismatch
	}
	o.Status = orders.StatusWaiting
	o.LastError = &reason
	return nil
}

func (m *memOrders) MarkFailed(ctx context.Context, id, reason string) error {
	o := m.byID[id]
	o.Status = orders.StatusFailed
	o.LastError = &reason
	return nil
}

type memSessions struct {
	applied []string
	err     error
}

func (m *memSessions) Apply(ctx context.Context, id string, a sessions.Action) (*sessions.Session, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.applied = append(m.applied, id+":"+a.Name())
	return &sessions.Session{SessionID: id, Status: sessions.StatusQueued}, nil
}

type memIdempotency struct {
	done   map[string]string
	failed map[string]string
}

func (m *memIdempotency) MarkDone(ctx context.Context, key, body string, status int) error {
	m.done[key] = body
	return nil
}

func (m *memIdempotency) MarkFailed(ctx context.Context, key, note string) error {
	m.failed[key] = note
	return nil
}

type scriptedVendor struct {
	errs    []error
	calls   int
	listed  []chitu.VendorOrder
	lastReq chitu.CreateOrderRequest
}

func (v *scriptedVendor) CreateOrder(ctx context.Context, req chitu.CreateOrderRequest) (*chitu.VendorOrder, error) {
	v.calls++
	v.lastReq = req
	if len(v.errs) > 0 {
		err := v.errs[0]
		v.errs = v.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &chitu.VendorOrder{OrderID: "V-1", OutTradeNo: req.OutTradeNo}, nil
}

func (v *scriptedVendor) Orders(ctx context.Context, machineID string, page, limit int) ([]chitu.VendorOrder, error) {
	return v.listed, nil
}

type fixture struct {
	p      *Processor
	orders *memOrders
	sess   *memSessions
	idemp  *memIdempotency
	vendor *scriptedVendor
}

func newFixture(maxAttempts int) *fixture {
	f := &fixture{
		orders: &memOrders{byID: map[string]*orders.Order{
			"o-1": {ID: "o-1", SessionID: "s-1", MachineID: "m-1", ProductID: "p-1", PayType: "nayax",
				ImageURL: "https://cdn.example.com/a.png", Amount: 19.9, Status: orders.StatusWaiting},
		}},
		sess:   &memSessions{},
		idemp:  &memIdempotency{done: map[string]string{}, failed: map[string]string{}},
		vendor: &scriptedVendor{},
	}
	f.p = NewProcessor(f.orders, f.sess, f.idemp, f.vendor, nil, maxAttempts)
	return f
}

func event(t *testing.T, job printjobs.Job) events.SQSEvent {
	t.Helper()
	b, err := json.Marshal(job)
	require.NoError(t, err)
	return events.SQSEvent{Records: []events.SQSMessage{{MessageId: "m-" + job.OrderID, Body: string(b)}}}
}

var job = printjobs.Job{OrderID: "o-1", SessionID: "s-1", MachineID: "m-1", IdempotencyKey: "k-1"}

// --- tests ---

func TestProcessor_PlacesOrder(t *testing.T) {
	f := newFixture(3)

	resp, err := f.p.Handle(context.Background(), event(t, job))
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	o := f.orders.byID["o-1"]
	assert.Equal(t, orders.StatusProcessing, o.Status)
	assert.Equal(t, 1, o.Attempts)
	require.NotNil(t, o.VendorOrderID)
	assert.Equal(t, "V-1", *o.VendorOrderID)

	assert.Equal(t, "o-1", f.vendor.lastReq.OutTradeNo)
	assert.Equal(t, chitu.PayNayax, f.vendor.lastReq.PayType)
	assert.Equal(t, []string{"s-1:queue_print"}, f.sess.applied)
	assert.JSONEq(t, `{"order_id":"o-1","status":"processing","vendor_order_id":"V-1"}`, f.idemp.done["k-1"])
}

func TestProcessor_DuplicateDeliveryIsSwallowed(t *testing.T) {
	f := newFixture(3)
	ev := event(t, job)

	_, _ = f.p.Handle(context.Background(), ev)
	resp, err := f.p.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, 1, f.vendor.calls)
}

func TestProcessor_DeliveryForFailedOrderIsSwallowed(t *testing.T) {
	f := newFixture(3)
	f.orders.byID["o-1"].Status = orders.StatusFailed

	resp, err := f.p.Handle(context.Background(), event(t, job))
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, 0, f.vendor.calls)
	assert.Equal(t, orders.StatusFailed, f.orders.byID["o-1"].Status)
}

func TestProcessor_TransientFailureRequeues(t *testing.T) {
	f := newFixture(3)
	f.vendor.errs = []error{errors.New("connection reset")}

	resp, err := f.p.Handle(context.Background(), event(t, job))
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m-o-1", resp.BatchItemFailures[0].ItemIdentifier)

	o := f.orders.byID["o-1"]
	assert.Equal(t, orders.StatusWaiting, o.Status)
	require.NotNil(t, o.LastError)
	assert.Contains(t, *o.LastError, "connection reset")
	assert.Empty(t, f.idemp.failed)

	// redelivery succeeds
	resp, _ = f.p.Handle(context.Background(), event(t, job))
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, 2, f.orders.byID["o-1"].Attempts)
	assert.Equal(t, 2, f.vendor.calls)
}

func TestProcessor_RetryAdoptsEarlierVendorOrder(t *testing.T) {
	f := newFixture(3)
	f.orders.byID["o-1"].Attempts = 1
	f.vendor.listed = []chitu.VendorOrder{{OrderID: "V-9", OutTradeNo: "o-1"}}

	resp, _ := f.p.Handle(context.Background(), event(t, job))
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, 0, f.vendor.calls)
	assert.Equal(t, "V-9", *f.orders.byID["o-1"].VendorOrderID)
}

func TestProcessor_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(2)
	f.vendor.errs = []error{errors.New("timeout"), errors.New("timeout")}

	resp, _ := f.p.Handle(context.Background(), event(t, job))
	assert.Len(t, resp.BatchItemFailures, 1)
	resp, _ = f.p.Handle(context.Background(), event(t, job))
	assert.Empty(t, resp.BatchItemFailures)

	assert.Equal(t, orders.StatusFailed, f.orders.byID["o-1"].Status)
	assert.Contains(t, f.idemp.failed["k-1"], "timeout")
	assert.Empty(t, f.sess.applied)
}

func TestProcessor_PermanentVendorErrorFailsImmediately(t *testing.T) {
	f := newFixture(5)
	f.vendor.errs = []error{&chitu.APIError{Endpoint: chitu.PathOrderCreate, Status: 0, Msg: "机器不存在"}}

	resp, _ := f.p.Handle(context.Background(), event(t, job))
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, orders.StatusFailed, f.orders.byID["o-1"].Status)
	assert.Equal(t, 1, f.vendor.calls)
}

func TestProcessor_SessionAlreadyQueuedStillCompletes(t *testing.T) {
	f := newFixture(3)
	f.sess.err = sessions.ErrInvalidTransition

	resp, _ := f.p.Handle(context.Background(), event(t, job))
	assert.Empty(t, resp.BatchItemFailures)
	assert.Contains(t, f.idemp.done, "k-1")
}

func TestProcessor_BadMessages(t *testing.T) {
	f := newFixture(3)
	ev := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "bad-json", Body: "{"},
		{MessageId: "missing-order", Body: `{"order_id":"nope","session_id":"s","idempotency_key":"k"}`},
	}}

	resp, err := f.p.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 2)
	assert.Equal(t, "bad-json", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Equal(t, 0, f.vendor.calls)
}
