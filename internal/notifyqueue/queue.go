package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"dqalarm/internal/notify"
)

// Job is one rendered email waiting for delivery.
type Job struct {
	ID        string       `json:"id"`
	Email     notify.Email `json:"email"`
	CreatedAt time.Time    `json:"created_at"`
}

// DLQReason identifies why a job was moved to the dead-letter stream.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable delivery failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by the max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is the dead-letter payload for failed jobs.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID derives a stable id so JetStream deduplicates re-published jobs.
// One alert produces at most one job per recipient.
func BuildJobID(email notify.Email) string {
	raw := fmt.Sprintf("%s|%d|%t|%s", email.TriggerID, email.AlertID, email.InAlarm, email.To)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues delivery jobs.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Handler processes one dequeued job; permanent errors skip redelivery.
type Handler func(ctx context.Context, job Job) error
