package sessions

import (
	"fmt"
	"time"
)

// Status is the session lifecycle status.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSubmitted Status = "submitted"
	StatusQueued    Status = "queued"
	StatusPrinting  Status = "printing"
	StatusCompleted Status = "completed"
	// StatusExpired is never stored; it is reported for a non-terminal
	// record whose TTL has lapsed but that the table has not yet removed.
	StatusExpired Status = "expired"
)

// PrintStatus tracks the physical print job once a design is queued.
type PrintStatus string

const (
	PrintNone      PrintStatus = ""
	PrintQueued    PrintStatus = "queued"
	PrintPrinting  PrintStatus = "printing"
	PrintCompleted PrintStatus = "completed"
)

const (
	keyPrefix  = "SESSION#"
	sortPrefix = "TS#"
	anchorSK   = "ANCHOR"

	// MachineStatusIndex is the GSI on (machine_id, status) used for polling.
	MachineStatusIndex = "machine_status_index"
)

// Session is one customer interaction, design through print, stored as a
// single DynamoDB item.
type Session struct {
	PK string `dynamodbav:"pk" json:"-"` // SESSION#<id>
	SK string `dynamodbav:"sk" json:"-"` // TS#<created unix ms>

	SessionID   string      `dynamodbav:"session_id" json:"session_id"`
	MachineID   string      `dynamodbav:"machine_id" json:"machine_id"`
	ProductType string      `dynamodbav:"product_type,omitempty" json:"product_type,omitempty"`
	Status      Status      `dynamodbav:"status" json:"status"`
	PrintStatus PrintStatus `dynamodbav:"print_status,omitempty" json:"print_status,omitempty"`

	ImageURL   string `dynamodbav:"image_url,omitempty" json:"image_url,omitempty"`
	ImageSize  int64  `dynamodbav:"image_size,omitempty" json:"image_size,omitempty"`
	DesignID   string `dynamodbav:"design_id,omitempty" json:"design_id,omitempty"`
	PhoneModel string `dynamodbav:"phone_model,omitempty" json:"phone_model,omitempty"`

	CreatedAt        time.Time  `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `dynamodbav:"updated_at" json:"updated_at"`
	SubmittedAt      *time.Time `dynamodbav:"submitted_at,omitempty" json:"submitted_at,omitempty"`
	PrintStartedAt   *time.Time `dynamodbav:"print_started_at,omitempty" json:"print_started_at,omitempty"`
	PrintCompletedAt *time.Time `dynamodbav:"print_completed_at,omitempty" json:"print_completed_at,omitempty"`

	ExpiresAt int64 `dynamodbav:"expires_at" json:"expires_at"` // TTL epoch seconds
}

// Expired reports whether the TTL has lapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}

// CurrentStatus is Status, except that a lapsed non-terminal record reads as expired.
func (s *Session) CurrentStatus(now time.Time) Status {
	if s.Status != StatusCompleted && s.Expired(now) {
		return StatusExpired
	}
	return s.Status
}

// anchor is the fixed-key item naming a session id's current record.
type anchor struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	CurrentSK string `dynamodbav:"current_sk"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// TTLConfig holds the expiry windows applied at each stage.
type TTLConfig struct {
	Created   time.Duration // from creation until a design is submitted
	Submitted time.Duration // after submit_design, long enough for the printer to poll
	Completed time.Duration // after complete_print, for prompt cleanup
}

func DefaultTTLs() TTLConfig {
	return TTLConfig{
		Created:   30 * time.Minute,
		Submitted: 24 * time.Hour,
		Completed: 15 * time.Minute,
	}
}

// Validate enforces that submit extends and completion shortens the window.
func (t TTLConfig) Validate() error {
	if t.Created <= 0 || t.Submitted <= 0 || t.Completed <= 0 {
		return fmt.Errorf("session ttl windows must be positive: %+v", t)
	}
	if t.Submitted <= t.Created {
		return fmt.Errorf("submitted ttl %s must exceed created ttl %s", t.Submitted, t.Created)
	}
	if t.Completed >= t.Submitted {
		return fmt.Errorf("completed ttl %s must be shorter than submitted ttl %s", t.Completed, t.Submitted)
	}
	return nil
}

// CreateInput is what a caller supplies to open a session.
type CreateInput struct {
	SessionID   string // optional; generated when empty
	MachineID   string
	ProductType string
}

func partitionKey(sessionID string) string { return keyPrefix + sessionID }

func sortKey(created time.Time) string {
	return fmt.Sprintf("%s%013d", sortPrefix, created.UnixMilli())
}

// ParseStatus accepts the stored statuses; expired is never stored.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusCreated, StatusSubmitted, StatusQueued, StatusPrinting, StatusCompleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}
