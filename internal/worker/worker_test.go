package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/mail"
	"github.com/relaykit/relaykit/internal/mailer"
	"github.com/relaykit/relaykit/internal/queue"
	"github.com/relaykit/relaykit/internal/transport"
)

var testWorkerConfig = config.WorkerConfig{
	SleepSec:   1,
	MaxTries:   3,
	MemoryMB:   128,
	TimeoutSec: 5,
}

// fakeDispatcher returns scripted errors, then succeeds.
type fakeDispatcher struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeDispatcher) Deliver(ctx context.Context, msg *mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeDispatcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.NewWithClient(client, "mail:queue:", "default", "failed", nil)
}

func enqueueMessage(t *testing.T, q *queue.Queue) string {
	t.Helper()
	msg, err := mail.New("bob@example.org", "Queued", []byte("deferred"), mail.TextPlain)
	require.NoError(t, err)
	msg.SetFrom("alice@example.com")
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	id, err := q.Push(context.Background(), mailer.SendMailJobClass, payload, "")
	require.NoError(t, err)
	return id
}

// drain pops and processes jobs until the queue is empty.
func drain(t *testing.T, w *Worker, q *queue.Queue) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		job, err := q.Pop(ctx, "")
		require.NoError(t, err)
		if job == nil {
			return
		}
		w.process(ctx, job)
	}
	t.Fatal("queue did not drain")
}

func TestProcessSuccess(t *testing.T) {
	q := newTestQueue(t)
	d := &fakeDispatcher{}
	w := New(q, d, testWorkerConfig, "", nil)

	enqueueMessage(t, q)
	drain(t, w, q)

	assert.Equal(t, 1, d.Calls())
	failed, err := q.FailedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), failed)
}

func TestTransientFailureRetriesToCompletion(t *testing.T) {
	q := newTestQueue(t)
	// Two transient failures, then success: three dispatches total.
	d := &fakeDispatcher{errs: []error{
		fmt.Errorf("%w: dial refused", transport.ErrSMTPTransport),
		fmt.Errorf("%w: dial refused", transport.ErrSMTPTransport),
	}}
	w := New(q, d, testWorkerConfig, "", nil)

	id := enqueueMessage(t, q)
	drain(t, w, q)

	assert.Equal(t, 3, d.Calls())
	failed, err := q.FailedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), failed, "job %s should have completed", id)
}

func TestTransientFailureExhaustsTries(t *testing.T) {
	q := newTestQueue(t)
	d := &fakeDispatcher{errs: []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
		errors.New("connection reset"),
		errors.New("connection reset"),
	}}
	w := New(q, d, testWorkerConfig, "", nil)

	id := enqueueMessage(t, q)
	drain(t, w, q)

	assert.Equal(t, 3, d.Calls(), "dispatch count must equal max tries")

	failed, err := q.FailedJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	assert.Equal(t, 3, failed[0].OriginalJob.Attempts)
	assert.Contains(t, failed[0].Exception.Message, "connection reset")
}

func TestPermanentFailureSidelinesImmediately(t *testing.T) {
	q := newTestQueue(t)
	d := &fakeDispatcher{errs: []error{
		&transport.MailgunError{Kind: transport.KindAuthFailed, Status: 401, Message: "bad key"},
	}}
	w := New(q, d, testWorkerConfig, "", nil)

	id := enqueueMessage(t, q)
	drain(t, w, q)

	assert.Equal(t, 1, d.Calls(), "permanent failures must not retry")

	failed, err := q.FailedJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	assert.Equal(t, 1, failed[0].OriginalJob.Attempts)
}

func TestUnknownJobClassExhausts(t *testing.T) {
	q := newTestQueue(t)
	d := &fakeDispatcher{}
	w := New(q, d, testWorkerConfig, "", nil)

	_, err := q.Push(context.Background(), "unknown_class", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	drain(t, w, q)

	assert.Equal(t, 0, d.Calls(), "unknown class must never dispatch")
	failed, err := q.FailedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	q := newTestQueue(t)
	w := New(q, &fakeDispatcher{}, testWorkerConfig, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestRunStopsOnMemoryLimit(t *testing.T) {
	q := newTestQueue(t)
	w := New(q, &fakeDispatcher{}, testWorkerConfig, "", nil)
	w.memoryUsedMB = func() uint64 { return 4096 }

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop at the memory bound")
	}
}

func TestRunProcessesQueuedJob(t *testing.T) {
	q := newTestQueue(t)
	d := &fakeDispatcher{}
	w := New(q, d, testWorkerConfig, "", nil)

	enqueueMessage(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for d.Calls() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	assert.Equal(t, 1, d.Calls())
}
