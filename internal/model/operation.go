package model

import (
	"fmt"
	"time"
)

// OperationKind is a remote mutation that can be retried.
type OperationKind string

const (
	OpRead   OperationKind = "read"
	OpUnread OperationKind = "unread"
	OpFlag   OperationKind = "flag"
	OpUnflag OperationKind = "unflag"
	OpStar   OperationKind = "star"
	OpUnstar OperationKind = "unstar"
	OpDelete OperationKind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case OpRead, OpUnread, OpFlag, OpUnflag, OpStar, OpUnstar, OpDelete:
		return true
	}
	return false
}

// OperationStatus tracks a pending operation through the retry queue.
type OperationStatus string

const (
	OpStatusPending         OperationStatus = "pending"
	OpStatusInFlight        OperationStatus = "in_flight"
	OpStatusSucceeded       OperationStatus = "succeeded"
	OpStatusFailedExhausted OperationStatus = "failed_exhausted"
)

// PendingOperation is a durable record of a remote mutation that still has
// to be applied to the server.
type PendingOperation struct {
	ID string `json:"id"`

	// EmailID is the local email the operation targets. The remote UID is
	// resolved from it at attempt time.
	EmailID string `json:"email_id"`

	Mailbox     string `json:"mailbox"`
	UID         uint32 `json:"uid"`
	UIDValidity uint32 `json:"uid_validity"`

	Kind   OperationKind   `json:"kind"`
	Status OperationStatus `json:"status"`

	// RetryCount is the number of failed attempts made by the queue.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the ceiling after which the operation is parked as
	// failed_exhausted.
	MaxRetries int `json:"max_retries"`

	NextRetryAt time.Time `json:"next_retry_at"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (op PendingOperation) String() string {
	return fmt.Sprintf("%s(%s uid=%d attempt=%d)", op.Kind, op.EmailID, op.UID, op.RetryCount)
}
