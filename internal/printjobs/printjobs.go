// Package printjobs carries print orders from the API to the worker over SQS.
package printjobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/imrishuroy/casefab/internal/aws"
)

// Job is the payload sent from API -> SQS -> Worker.
type Job struct {
	OrderID        string `json:"order_id"`
	SessionID      string `json:"session_id"`
	MachineID      string `json:"machine_id"`
	IdempotencyKey string `json:"idempotency_key"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// Validate checks the fields the worker cannot do without.
func (j Job) Validate() error {
	switch {
	case j.OrderID == "":
		return errors.New("print job: order_id is required")
	case j.SessionID == "":
		return errors.New("print job: session_id is required")
	case j.IdempotencyKey == "":
		return errors.New("print job: idempotency_key is required")
	}
	return nil
}

// Decode parses and validates a queue message body.
func Decode(body string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return Job{}, fmt.Errorf("invalid message body: %w", err)
	}
	return j, j.Validate()
}

// Publisher is satisfied by *aws.Publisher.
type Publisher interface {
	PublishJSON(ctx context.Context, msg interface{}, attributes map[string]string) (string, error)
}

var _ Publisher = (*aws.Publisher)(nil)

// Queue enqueues print jobs.
type Queue struct {
	pub Publisher
}

func NewQueue(pub Publisher) *Queue {
	return &Queue{pub: pub}
}

// Enqueue publishes job and returns the SQS message id.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	id, err := q.pub.PublishJSON(ctx, job, map[string]string{
		"machine_id":     job.MachineID,
		"session_id":     job.SessionID,
		"correlation_id": job.CorrelationID,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue print job: %w", err)
	}
	return id, nil
}
