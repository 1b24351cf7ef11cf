// Package queue provides a durable at-least-once job queue on Redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/logging"
	"github.com/relaykit/relaykit/internal/metrics"
)

// Common errors
var (
	ErrUnavailable = errors.New("queue store unavailable")
	ErrJobNotFound = errors.New("job not found")
)

// Queue is a FIFO job queue on Redis lists. Active queues live at
// <prefix><name>, the failed sideline at <prefix><failedKey>. Pop is an
// atomic LPOP, so no two workers observe the same envelope.
type Queue struct {
	client       *redis.Client
	prefix       string
	defaultQueue string
	failedKey    string
	logger       *logging.Logger

	now func() time.Time
}

// New connects to the queue store and verifies the connection.
func New(cfg config.QueueConfig, logger *logging.Logger) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Connection.Password,
		DB:           cfg.Connection.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if logger == nil {
		logger = logging.Default()
	}
	return &Queue{
		client:       client,
		prefix:       cfg.KeyPrefix,
		defaultQueue: cfg.DefaultQueue,
		failedKey:    cfg.FailedJobsKey,
		logger:       logger.Queue(),
		now:          time.Now,
	}, nil
}

// NewWithClient wraps an existing Redis client; used by tests.
func NewWithClient(client *redis.Client, prefix, defaultQueue, failedKey string, logger *logging.Logger) *Queue {
	if logger == nil {
		logger = logging.Default()
	}
	return &Queue{
		client:       client,
		prefix:       prefix,
		defaultQueue: defaultQueue,
		failedKey:    failedKey,
		logger:       logger.Queue(),
		now:          time.Now,
	}
}

// Close releases the store connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// DefaultQueue returns the configured default queue name.
func (q *Queue) DefaultQueue() string { return q.defaultQueue }

func (q *Queue) activeKey(name string) string {
	if name == "" {
		name = q.defaultQueue
	}
	return q.prefix + name
}

func (q *Queue) failedListKey() string {
	return q.prefix + q.failedKey
}

func wrapStoreErr(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Push enqueues a new job wrapping payload. New jobs start with zero
// attempts and a fresh identity; the job ID is returned.
func (q *Queue) Push(ctx context.Context, jobClass string, payload json.RawMessage, queueName string) (string, error) {
	job := &Job{
		ID:             generateJobID(),
		JobClass:       jobClass,
		MessagePayload: payload,
		Attempts:       0,
		CreatedAt:      unixFloat(q.now()),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.RPush(ctx, q.activeKey(queueName), data).Err(); err != nil {
		return "", wrapStoreErr(err)
	}

	metrics.JobsQueued.Inc()
	q.logger.InfoContext(logging.WithJobID(ctx, job.ID), "job queued",
		"queue", q.activeKey(queueName), "job_class", jobClass)
	return job.ID, nil
}

// Requeue puts a previously popped envelope back onto the tail of its
// queue, preserving ID and CreatedAt. The caller increments Attempts
// before calling; RetriedAt is stamped here.
func (q *Queue) Requeue(ctx context.Context, job *Job, queueName string) error {
	job.RetriedAt = unixFloat(q.now())

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, q.activeKey(queueName), data).Err(); err != nil {
		return wrapStoreErr(err)
	}

	metrics.JobsRetried.Inc()
	return nil
}

// Pop atomically removes and returns the head of the queue, or nil when
// the queue is empty.
func (q *Queue) Pop(ctx context.Context, queueName string) (*Job, error) {
	data, err := q.client.LPop(ctx, q.activeKey(queueName)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("corrupt job envelope: %w", err)
	}
	return &job, nil
}

// Size returns the number of pending jobs in the queue.
func (q *Queue) Size(ctx context.Context, queueName string) (int64, error) {
	n, err := q.client.LLen(ctx, q.activeKey(queueName)).Result()
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	metrics.QueueDepth.WithLabelValues(q.activeKey(queueName)).Set(float64(n))
	return n, nil
}

// Clear deletes every pending job in the queue and returns the number
// of entries removed.
func (q *Queue) Clear(ctx context.Context, queueName string) (int64, error) {
	n, err := q.client.LLen(ctx, q.activeKey(queueName)).Result()
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	if err := q.client.Del(ctx, q.activeKey(queueName)).Err(); err != nil {
		return 0, wrapStoreErr(err)
	}
	return n, nil
}

// PushFailed sidelines an exhausted job with its last error.
func (q *Queue) PushFailed(ctx context.Context, job *Job, info ErrorInfo) error {
	record := &FailedJob{
		ID:          job.ID,
		OriginalJob: *job,
		Exception:   info,
		FailedAt:    unixFloat(q.now()),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal failed-job record: %w", err)
	}
	if err := q.client.RPush(ctx, q.failedListKey(), data).Err(); err != nil {
		return wrapStoreErr(err)
	}

	metrics.JobsSidelined.Inc()
	q.logger.WarnContext(logging.WithJobID(ctx, job.ID), "job sidelined",
		"attempts", job.Attempts, "error", info.Message)
	return nil
}

// FailedJobs returns up to limit sidelined records, oldest first.
func (q *Queue) FailedJobs(ctx context.Context, limit int64) ([]*FailedJob, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := q.client.LRange(ctx, q.failedListKey(), 0, limit-1).Result()
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	jobs := make([]*FailedJob, 0, len(entries))
	for _, entry := range entries {
		var record FailedJob
		if err := json.Unmarshal([]byte(entry), &record); err != nil {
			q.logger.Warn("skipping corrupt failed-job record", "error", err.Error())
			continue
		}
		jobs = append(jobs, &record)
	}
	return jobs, nil
}

// FailedCount returns the number of sidelined jobs.
func (q *Queue) FailedCount(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.failedListKey()).Result()
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return n, nil
}

// RetryFailed moves the named sidelined job back onto its active queue.
// Removal happens before the push: if the process dies in between the
// record stays in the failed list and can be retried again, never lost.
func (q *Queue) RetryFailed(ctx context.Context, jobID string) error {
	entries, err := q.client.LRange(ctx, q.failedListKey(), 0, -1).Result()
	if err != nil {
		return wrapStoreErr(err)
	}

	for _, entry := range entries {
		var record FailedJob
		if err := json.Unmarshal([]byte(entry), &record); err != nil {
			continue
		}
		if record.ID != jobID {
			continue
		}

		if err := q.client.LRem(ctx, q.failedListKey(), 1, entry).Err(); err != nil {
			return wrapStoreErr(err)
		}

		// Sidelined jobs get a fresh set of tries on replay; identity
		// and creation time survive.
		job := record.OriginalJob
		job.Attempts = 0
		return q.Requeue(ctx, &job, "")
	}

	return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// RetryAllFailed replays every sidelined job and returns how many moved.
func (q *Queue) RetryAllFailed(ctx context.Context) (int, error) {
	moved := 0
	for {
		data, err := q.client.LPop(ctx, q.failedListKey()).Bytes()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, wrapStoreErr(err)
		}

		var record FailedJob
		if err := json.Unmarshal(data, &record); err != nil {
			q.logger.Warn("dropping corrupt failed-job record", "error", err.Error())
			continue
		}

		job := record.OriginalJob
		job.Attempts = 0
		if err := q.Requeue(ctx, &job, ""); err != nil {
			return moved, err
		}
		moved++
	}
}

// ClearFailed deletes every sidelined record and returns the count.
func (q *Queue) ClearFailed(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.failedListKey()).Result()
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	if err := q.client.Del(ctx, q.failedListKey()).Err(); err != nil {
		return 0, wrapStoreErr(err)
	}
	q.logger.Info("failed queue cleared", "deleted", n)
	return n, nil
}

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	Queue   string `json:"queue"`
	Pending int64  `json:"pending"`
	Failed  int64  `json:"failed"`
}

// Stats reports depths for the named queue and the failed sideline.
func (q *Queue) Stats(ctx context.Context, queueName string) (*Stats, error) {
	pending, err := q.Size(ctx, queueName)
	if err != nil {
		return nil, err
	}
	failed, err := q.FailedCount(ctx)
	if err != nil {
		return nil, err
	}
	name := queueName
	if name == "" {
		name = q.defaultQueue
	}
	return &Stats{Queue: name, Pending: pending, Failed: failed}, nil
}
