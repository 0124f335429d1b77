package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Record guards one order submission. The key comes from the client's
// Idempotency-Key header; RequestHash pins the payload it was first used with.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	OrderID        string    `dynamodbav:"order_id,omitempty"`
	SessionID      string    `dynamodbav:"session_id,omitempty"`
	RequestHash    string    `dynamodbav:"request_hash,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`   // small JSON responses only
	ResponseStatus int       `dynamodbav:"response_status,omitempty"` // e.g. 201
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}
