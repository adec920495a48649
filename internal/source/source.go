package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/vexmail/internal/model"
)

// AuthError indicates that the server rejected the configured credentials.
// It is fatal: nothing retries it automatically until the account is
// reconfigured.
type AuthError struct {
	Server  string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Server, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// RemoteUnavailableError reports a connection-level failure talking to the
// server. It is retryable.
type RemoteUnavailableError struct {
	Op  string
	Err error

	// RetryAfter is set when the pool is backing off and knows when the
	// next dial attempt is allowed.
	RetryAfter time.Duration
}

func (e *RemoteUnavailableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("remote unavailable (%s, retry in %s): %v", e.Op, e.RetryAfter.Round(time.Millisecond), e.Err)
	}
	return fmt.Sprintf("remote unavailable (%s): %v", e.Op, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error {
	return e.Err
}

// IsRemoteUnavailable reports whether err (or any error in its chain) is a
// RemoteUnavailableError.
func IsRemoteUnavailable(err error) bool {
	var unavailable *RemoteUnavailableError
	return errors.As(err, &unavailable)
}

var (
	// ErrNotFound is returned when the target message no longer exists on
	// the server. Mutation callers treat it as already satisfied.
	ErrNotFound = errors.New("message not found on server")

	// ErrPoolExhausted is returned when no session became free within the
	// acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrUIDValidityChanged is returned when a mutation targets a UID from
	// a UIDVALIDITY epoch the server no longer reports. The caller should
	// retry once the sync engine has rebound the message.
	ErrUIDValidityChanged = errors.New("mailbox uid validity changed")
)

// Target addresses a single remote message.
type Target struct {
	Mailbox     string
	UID         uint32
	UIDValidity uint32
}

// TargetOf returns the remote address of a stored email.
func TargetOf(e *model.Email) Target {
	return Target{Mailbox: e.Mailbox, UID: e.UID, UIDValidity: e.UIDValidity}
}

// RawMessage is a message fetched from the server, not yet parsed.
type RawMessage struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Size         int64
	Body         []byte
}

// FetchResult is the outcome of a watermark fetch.
type FetchResult struct {
	UIDValidity uint32

	// Messages are ordered by UID ascending and all have UID > watermark.
	Messages []RawMessage
}

// Fetcher pulls new messages and waits for server-side change signals.
type Fetcher interface {
	FetchSince(ctx context.Context, mailbox string, watermark uint32) (*FetchResult, error)
	WaitForIdleSignal(ctx context.Context, mailbox string, timeout time.Duration) (bool, error)
}

// Applier applies a single mutation to a remote message.
type Applier interface {
	Apply(ctx context.Context, target Target, kind model.OperationKind) error
}
