package orders

import (
	"errors"
	"time"
)

// Order statuses
const (
	StatusWaiting    = "waiting"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var (
	// ErrStatusMismatch means the order was not in the expected status.
	ErrStatusMismatch = errors.New("order status mismatch")
	ErrNotFound       = errors.New("order not found")
	// ErrSessionBusy means the session already has a waiting or processing order.
	ErrSessionBusy = errors.New("session already has an active order")
)

// Order is one print order placed against a session.
type Order struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	MachineID      string    `json:"machine_id"`
	ProductID      string    `json:"product_id"`
	PayType        string    `json:"pay_type"`
	ImageURL       string    `json:"image_url"`
	PhoneModel     string    `json:"phone_model,omitempty"`
	Amount         float64   `json:"amount"`
	WidthMM        float64   `json:"width_mm,omitempty"`
	HeightMM       float64   `json:"height_mm,omitempty"`
	IdempotencyKey string    `json:"-"`
	VendorOrderID  *string   `json:"vendor_order_id,omitempty"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	LastError      *string   `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Terminal reports whether no further transitions apply.
func (o *Order) Terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed
}

// SessionRow mirrors a session into Postgres for reporting.
type SessionRow struct {
	SessionID   string
	MachineID   string
	ProductType string
	Status      string
	ImageURL    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ValidTransition reports whether an order may move from one status to another.
func ValidTransition(from, to string) bool {
	switch from {
	case StatusWaiting:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusWaiting
	}
	return false
}
