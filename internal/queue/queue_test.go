package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, "mail:queue:", "default", "failed", nil)
}

func payload(t *testing.T, s string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(map[string]string{"content": s})
	require.NoError(t, err)
	return data
}

func TestPushPopFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Push(ctx, "send_mail", payload(t, "first"), "")
	require.NoError(t, err)
	id2, err := q.Push(ctx, "send_mail", payload(t, "second"), "")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	job, err := q.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id1, job.ID)
	assert.Equal(t, "send_mail", job.JobClass)
	assert.Equal(t, 0, job.Attempts)
	assert.Greater(t, job.CreatedAt, float64(0))

	job, err = q.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id2, job.ID)
}

func TestPopEmptyQueue(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.Pop(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestNamedQueuesAreIndependent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, "send_mail", payload(t, "urgent"), "priority")
	require.NoError(t, err)

	job, err := q.Pop(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, job, "default queue should be empty")

	job, err = q.Pop(ctx, "priority")
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestRequeuePreservesIdentity(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Push(ctx, "send_mail", payload(t, "retry me"), "")
	require.NoError(t, err)
	// A second job behind it proves requeue goes to the tail.
	_, err = q.Push(ctx, "send_mail", payload(t, "bystander"), "")
	require.NoError(t, err)

	job, err := q.Pop(ctx, "")
	require.NoError(t, err)
	createdAt := job.CreatedAt

	job.Attempts++
	require.NoError(t, q.Requeue(ctx, job, ""))

	// Bystander first, retried job at the tail.
	next, err := q.Pop(ctx, "")
	require.NoError(t, err)
	assert.NotEqual(t, id, next.ID)

	retried, err := q.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, id, retried.ID, "retry minted a new identity")
	assert.Equal(t, createdAt, retried.CreatedAt)
	assert.Equal(t, 1, retried.Attempts)
	assert.Greater(t, retried.RetriedAt, float64(0))
}

func TestSizeAndClear(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Push(ctx, "send_mail", payload(t, "x"), "")
		require.NoError(t, err)
	}

	n, err := q.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	removed, err := q.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	n, err = q.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPushFailedAndList(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &Job{
		ID:             "job_deadbeef",
		JobClass:       "send_mail",
		MessagePayload: payload(t, "doomed"),
		Attempts:       3,
		CreatedAt:      1000,
	}
	info := NewErrorInfo(errors.New("smtp DATA: expected 354, got 554"))
	require.NoError(t, q.PushFailed(ctx, job, info))

	count, err := q.FailedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	failed, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	record := failed[0]
	assert.Equal(t, "job_deadbeef", record.ID)
	assert.Equal(t, job.ID, record.OriginalJob.ID)
	assert.Equal(t, 3, record.OriginalJob.Attempts)
	assert.Contains(t, record.Exception.Message, "expected 354")
	assert.NotEmpty(t, record.Exception.File)
	assert.NotZero(t, record.Exception.Line)
	assert.NotEmpty(t, record.Exception.Trace)
	assert.Greater(t, record.FailedAt, float64(0))

	// A sidelined job stays put until explicitly retried.
	pending, err := q.Pop(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestRetryFailed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &Job{
		ID:             "job_cafe01",
		JobClass:       "send_mail",
		MessagePayload: payload(t, "second chance"),
		Attempts:       3,
		CreatedAt:      2000,
	}
	require.NoError(t, q.PushFailed(ctx, job, NewErrorInfo(errors.New("boom"))))

	require.NoError(t, q.RetryFailed(ctx, "job_cafe01"))

	count, err := q.FailedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "record should leave the failed list")

	replayed, err := q.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, "job_cafe01", replayed.ID)
	assert.Equal(t, float64(2000), replayed.CreatedAt)
	assert.Equal(t, 0, replayed.Attempts, "replayed jobs start with fresh tries")
}

func TestRetryFailedUnknownID(t *testing.T) {
	q := newTestQueue(t)

	err := q.RetryFailed(context.Background(), "job_nonexistent")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRetryAllFailed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i, id := range []string{"job_a", "job_b", "job_c"} {
		job := &Job{ID: id, JobClass: "send_mail", MessagePayload: payload(t, "x"),
			Attempts: 3, CreatedAt: float64(i)}
		require.NoError(t, q.PushFailed(ctx, job, NewErrorInfo(errors.New("boom"))))
	}

	moved, err := q.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, moved)

	count, err := q.FailedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	n, err := q.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestClearFailed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"job_a", "job_b"} {
		job := &Job{ID: id, JobClass: "send_mail", MessagePayload: payload(t, "x")}
		require.NoError(t, q.PushFailed(ctx, job, NewErrorInfo(errors.New("boom"))))
	}

	removed, err := q.ClearFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	count, err := q.FailedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	q := NewWithClient(client, "mail:queue:", "default", "failed", nil)
	mr.Close()

	ctx := context.Background()
	_, err := q.Push(ctx, "send_mail", payload(t, "x"), "")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = q.Pop(ctx, "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStats(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, "send_mail", payload(t, "x"), "")
	require.NoError(t, err)
	job := &Job{ID: "job_x", JobClass: "send_mail", MessagePayload: payload(t, "y")}
	require.NoError(t, q.PushFailed(ctx, job, NewErrorInfo(errors.New("boom"))))

	stats, err := q.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "default", stats.Queue)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Failed)
}
