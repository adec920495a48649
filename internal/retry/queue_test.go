package retry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/retry"
	"github.com/nhle/vexmail/internal/source"
	"github.com/nhle/vexmail/tests/testutil"
)

type call struct {
	target source.Target
	kind   model.OperationKind
}

type fakeApplier struct {
	mu    sync.Mutex
	errs  []error
	calls []call
}

func (f *fakeApplier) Apply(_ context.Context, target source.Target, kind model.OperationKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{target: target, kind: kind})
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeApplier) kinds() []model.OperationKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.OperationKind, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.kind
	}
	return out
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *fakePublisher) Publish(topic string, payload map[string]any) model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := model.Event{Topic: topic, Payload: payload}
	p.events = append(p.events, ev)
	return ev
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

var errDown = &source.RemoteUnavailableError{Op: "store", Err: errors.New("connection reset")}

func setup(t *testing.T, errs ...error) (*retry.Queue, *fakeApplier, *fakePublisher, *testClock) {
	t.Helper()
	st := testutil.NewTestStore(t)
	applier := &fakeApplier{errs: errs}
	pub := &fakePublisher{}
	clk := &testClock{t: time.Now().UTC()}
	q := retry.NewQueue(st, applier, pub, model.RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
	}, retry.WithClock(clk.now))
	return q, applier, pub, clk
}

func op(emailID string, kind model.OperationKind) model.PendingOperation {
	return model.PendingOperation{EmailID: emailID, Mailbox: "INBOX", UID: 42, UIDValidity: 7, Kind: kind}
}

func TestSweepAppliesAndDeletes(t *testing.T) {
	q, applier, _, _ := setup(t)
	ctx := context.Background()

	queued, err := q.Enqueue(ctx, op("e1", model.OpRead))
	require.NoError(t, err)
	assert.Equal(t, 3, queued.MaxRetries)

	res, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, retry.SweepResult{Attempted: 1, Succeeded: 1}, res)
	assert.Equal(t, []call{{target: source.Target{Mailbox: "INBOX", UID: 42, UIDValidity: 7}, kind: model.OpRead}}, applier.calls)

	_, err = q.RetryNow(ctx, queued.ID)
	assert.Error(t, err, "succeeded operations are deleted")
}

func TestNotFoundCountsAsSuccess(t *testing.T) {
	q, _, pub, _ := setup(t, source.ErrNotFound)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("e1", model.OpDelete))
	require.NoError(t, err)

	res, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Empty(t, pub.events)
}

func TestTransientFailureBacksOffThenExhausts(t *testing.T) {
	q, applier, pub, clk := setup(t, errDown, errDown, errDown)
	ctx := context.Background()

	queued, err := q.Enqueue(ctx, op("e1", model.OpStar))
	require.NoError(t, err)

	res, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)

	// Not due until the backoff elapses.
	res, err = q.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)

	clk.t = clk.t.Add(2 * time.Second)
	res, err = q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)

	clk.t = clk.t.Add(4 * time.Second)
	res, err = q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exhausted)
	assert.Len(t, applier.calls, 3)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, model.TopicReconciliation, ev.Topic)
	assert.Equal(t, retry.EventReconciliation, ev.Payload["type"])
	assert.Equal(t, "e1", ev.Payload["email_id"])
	assert.Equal(t, "star", ev.Payload["kind"])

	// Manual retry restores a full budget.
	clk.t = clk.t.Add(time.Hour)
	retried, err := q.RetryNow(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusPending, retried.Status)
	assert.Zero(t, retried.RetryCount)

	res, err = q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
}

func TestAuthFailureHaltsWithoutConsumingRetry(t *testing.T) {
	q, applier, _, _ := setup(t, &source.AuthError{Server: "imap", Message: "denied"})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("e1", model.OpRead))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("e2", model.OpRead))
	require.NoError(t, err)

	_, err = q.Sweep(ctx)
	assert.ErrorIs(t, err, retry.ErrHalted)
	assert.Len(t, applier.calls, 1)
	assert.True(t, q.Status().Halted)

	_, err = q.Sweep(ctx)
	assert.ErrorIs(t, err, retry.ErrHalted)

	q.Resume()
	res, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
}

func TestOperationsForOneEmailApplyInOrder(t *testing.T) {
	q, applier, _, _ := setup(t)
	ctx := context.Background()

	for _, kind := range []model.OperationKind{model.OpRead, model.OpUnread, model.OpRead} {
		_, err := q.Enqueue(ctx, op("e1", kind))
		require.NoError(t, err)
	}

	for range 3 {
		res, err := q.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Attempted)
	}
	assert.Equal(t, []model.OperationKind{model.OpRead, model.OpUnread, model.OpRead}, applier.kinds())
}

func TestAttemptUsesCurrentUIDOfEmail(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.ReconcileBatch(ctx, testutil.Batch("INBOX", 9, model.Email{
		ID: "e1", Mailbox: "INBOX", UID: 100, UIDValidity: 9, Subject: "rebound",
	})))

	applier := &fakeApplier{}
	q := retry.NewQueue(st, applier, &fakePublisher{}, model.RetryConfig{})
	_, err := q.Enqueue(ctx, op("e1", model.OpFlag))
	require.NoError(t, err)

	_, err = q.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, applier.calls, 1)
	assert.Equal(t, source.Target{Mailbox: "INBOX", UID: 100, UIDValidity: 9}, applier.calls[0].target)
}

func TestRunRecoversInFlight(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stuck := op("e1", model.OpUnflag)
	stuck.ID = "stuck"
	stuck.MaxRetries = 5
	stuck.Status = model.OpStatusInFlight
	require.NoError(t, st.CreateOperation(ctx, stuck))

	applier := &fakeApplier{}
	q := retry.NewQueue(st, applier, &fakePublisher{}, model.RetryConfig{SweepInterval: 10 * time.Millisecond})
	done := make(chan error)
	go func() { done <- q.Run(ctx) }()

	require.Eventually(t, func() bool { return len(applier.kinds()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	open, err := st.HasOpenOperations(context.Background(), "e1")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestPrune(t *testing.T) {
	q, _, _, clk := setup(t, errDown, errDown, errDown)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("e1", model.OpRead))
	require.NoError(t, err)
	for range 3 {
		_, err := q.Sweep(ctx)
		require.NoError(t, err)
		clk.t = clk.t.Add(time.Minute)
	}

	clk.t = clk.t.Add(8 * 24 * time.Hour)
	n, err := q.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
