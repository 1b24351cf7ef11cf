// Package worker runs the queue consumption loop that dispatches
// queued messages through the mailer.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/logging"
	"github.com/relaykit/relaykit/internal/mail"
	"github.com/relaykit/relaykit/internal/mailer"
	"github.com/relaykit/relaykit/internal/metrics"
	"github.com/relaykit/relaykit/internal/queue"
	"github.com/relaykit/relaykit/internal/transport"
)

// Dispatcher delivers an already-built message. The mailer satisfies
// this; tests substitute fakes.
type Dispatcher interface {
	Deliver(ctx context.Context, msg *mail.Message) error
}

// Worker pops jobs from one queue and dispatches them until its context
// is cancelled or the memory bound is hit.
type Worker struct {
	queue      *queue.Queue
	dispatcher Dispatcher
	cfg        config.WorkerConfig
	queueName  string
	logger     *logging.Logger

	memoryUsedMB func() uint64
}

// New builds a worker for the named queue. An empty queueName means the
// queue's default.
func New(q *queue.Queue, d Dispatcher, cfg config.WorkerConfig, queueName string, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Default()
	}
	if queueName == "" {
		queueName = q.DefaultQueue()
	}
	return &Worker{
		queue:      q,
		dispatcher: d,
		cfg:        cfg,
		queueName:  queueName,
		logger:     logger.Worker().WithFields("queue", queueName),
		memoryUsedMB: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.Alloc / (1 << 20)
		},
	}
}

// Run consumes jobs until ctx is cancelled or memory crosses the
// configured bound. Cancellation is graceful: an in-flight job keeps
// its own deadline and is finished (or times out) before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"sleep_sec", w.cfg.SleepSec, "max_tries", w.cfg.MaxTries,
		"memory_mb", w.cfg.MemoryMB, "timeout_sec", w.cfg.TimeoutSec)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping", "reason", "shutdown signal")
			return nil
		default:
		}

		if used := w.memoryUsedMB(); w.cfg.MemoryMB > 0 && used >= uint64(w.cfg.MemoryMB) {
			w.logger.Warn("worker stopping", "reason", "memory limit",
				"used_mb", used, "limit_mb", w.cfg.MemoryMB)
			return nil
		}

		job, err := w.queue.Pop(ctx, w.queueName)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.WithError(err).Error("queue pop failed")
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.process(ctx, job)
	}
}

// process runs one job under its own deadline and applies the retry
// policy to the outcome.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	// The job deadline is independent of shutdown so an in-flight send
	// can complete during graceful stop.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		time.Duration(w.cfg.TimeoutSec)*time.Second)
	defer cancel()
	jobCtx = logging.WithJobID(jobCtx, job.ID)

	start := time.Now()
	err := w.dispatch(jobCtx, job)
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		w.logger.InfoContext(jobCtx, "job completed",
			"job_class", job.JobClass, "attempts", job.Attempts,
			"elapsed_ms", time.Since(start).Milliseconds())
		return
	}

	job.Attempts++
	w.logger.WarnContext(jobCtx, "job attempt failed",
		"attempt", job.Attempts, "max_tries", w.cfg.MaxTries, "error", err.Error())

	if transport.IsPermanent(err) || job.Attempts >= w.cfg.MaxTries {
		if ferr := w.queue.PushFailed(jobCtx, job, queue.NewErrorInfo(err)); ferr != nil {
			w.logger.ErrorContext(jobCtx, "failed to sideline job", ferr)
		}
		return
	}

	if rerr := w.queue.Requeue(jobCtx, job, w.queueName); rerr != nil {
		w.logger.ErrorContext(jobCtx, "failed to requeue job", rerr)
	}
}

// dispatch decodes the payload and delivers it.
func (w *Worker) dispatch(ctx context.Context, job *queue.Job) error {
	if job.JobClass != mailer.SendMailJobClass {
		return fmt.Errorf("unknown job class %q", job.JobClass)
	}

	var msg mail.Message
	if err := json.Unmarshal(job.MessagePayload, &msg); err != nil {
		return fmt.Errorf("corrupt message payload: %w", err)
	}

	return w.dispatcher.Deliver(ctx, &msg)
}

// sleep idles between polls, waking early on shutdown.
func (w *Worker) sleep(ctx context.Context) {
	d := time.Duration(w.cfg.SleepSec) * time.Second
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
