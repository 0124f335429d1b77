package sessions

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action names accepted on the wire.
const (
	ActionSubmitDesign  = "submit_design"
	ActionQueuePrint    = "queue_print"
	ActionStartPrint    = "start_print"
	ActionCompletePrint = "complete_print"
)

// Action is one allowed session transition. The concrete variants are
// SubmitDesign, QueuePrint, StartPrint and CompletePrint; each carries only
// the fields it needs.
type Action interface {
	Name() string
	Validate() error

	// guard is the stored attribute and value the record must hold for the
	// transition to apply.
	guard() (attr, expected string)
	changes(now time.Time, ttl TTLConfig) []fieldChange
}

type fieldChange struct {
	attr  string
	value interface{}
}

// SubmitDesign attaches the customer's design and extends the TTL so the
// printer has time to pick the job up.
type SubmitDesign struct {
	ImageURL   string
	ImageSize  int64
	DesignID   string
	PhoneModel string
}

func (SubmitDesign) Name() string { return ActionSubmitDesign }

func (a SubmitDesign) Validate() error {
	if strings.TrimSpace(a.ImageURL) == "" {
		return errors.New("submit_design requires image_url")
	}
	if a.ImageSize < 0 {
		return fmt.Errorf("submit_design image_size must not be negative, got %d", a.ImageSize)
	}
	return nil
}

func (SubmitDesign) guard() (string, string) { return "status", string(StatusCreated) }

func (a SubmitDesign) changes(now time.Time, ttl TTLConfig) []fieldChange {
	ch := []fieldChange{
		{"status", string(StatusSubmitted)},
		{"image_url", a.ImageURL},
		{"submitted_at", now},
		{"updated_at", now},
		{"expires_at", now.Add(ttl.Submitted).Unix()},
	}
	if a.ImageSize > 0 {
		ch = append(ch, fieldChange{"image_size", a.ImageSize})
	}
	if a.DesignID != "" {
		ch = append(ch, fieldChange{"design_id", a.DesignID})
	}
	if a.PhoneModel != "" {
		ch = append(ch, fieldChange{"phone_model", a.PhoneModel})
	}
	return ch
}

// QueuePrint marks a submitted design as waiting for its machine.
type QueuePrint struct{}

func (QueuePrint) Name() string    { return ActionQueuePrint }
func (QueuePrint) Validate() error { return nil }

func (QueuePrint) guard() (string, string) { return "status", string(StatusSubmitted) }

func (QueuePrint) changes(now time.Time, _ TTLConfig) []fieldChange {
	return []fieldChange{
		{"status", string(StatusQueued)},
		{"print_status", string(PrintQueued)},
		{"updated_at", now},
	}
}

// StartPrint records that the machine has begun printing.
type StartPrint struct{}

func (StartPrint) Name() string    { return ActionStartPrint }
func (StartPrint) Validate() error { return nil }

func (StartPrint) guard() (string, string) { return "print_status", string(PrintQueued) }

func (StartPrint) changes(now time.Time, _ TTLConfig) []fieldChange {
	return []fieldChange{
		{"status", string(StatusPrinting)},
		{"print_status", string(PrintPrinting)},
		{"print_started_at", now},
		{"updated_at", now},
	}
}

// CompletePrint finishes the session and shortens the TTL for cleanup.
type CompletePrint struct{}

func (CompletePrint) Name() string    { return ActionCompletePrint }
func (CompletePrint) Validate() error { return nil }

func (CompletePrint) guard() (string, string) { return "print_status", string(PrintPrinting) }

func (CompletePrint) changes(now time.Time, ttl TTLConfig) []fieldChange {
	return []fieldChange{
		{"status", string(StatusCompleted)},
		{"print_status", string(PrintCompleted)},
		{"print_completed_at", now},
		{"updated_at", now},
		{"expires_at", now.Add(ttl.Completed).Unix()},
	}
}

// ActionParams is the loose wire form of an action request.
type ActionParams struct {
	ImageURL   string
	ImageSize  int64
	DesignID   string
	PhoneModel string
}

// ParseAction maps an action name to its variant. Unknown names yield
// ErrUnknownAction.
func ParseAction(name string, p ActionParams) (Action, error) {
	var a Action
	switch name {
	case ActionSubmitDesign:
		a = SubmitDesign{ImageURL: p.ImageURL, ImageSize: p.ImageSize, DesignID: p.DesignID, PhoneModel: p.PhoneModel}
	case ActionQueuePrint:
		a = QueuePrint{}
	case ActionStartPrint:
		a = StartPrint{}
	case ActionCompletePrint:
		a = CompletePrint{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return a, nil
}

// AllowedActions lists the accepted action names.
func AllowedActions() []string {
	return []string{ActionSubmitDesign, ActionQueuePrint, ActionStartPrint, ActionCompletePrint}
}

// fieldValue reads the stored value of a guard attribute.
func (s *Session) fieldValue(attr string) string {
	switch attr {
	case "status":
		return string(s.Status)
	case "print_status":
		return string(s.PrintStatus)
	}
	return ""
}
