package queue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Job is the envelope wrapping a serialised message on the queue.
// ID is assigned on first push and preserved across retries; Attempts
// counts completed failed attempts.
type Job struct {
	ID             string          `json:"id"`
	JobClass       string          `json:"job_class"`
	MessagePayload json.RawMessage `json:"message_payload"`
	Attempts       int             `json:"attempts"`
	CreatedAt      float64         `json:"created_at"`
	RetriedAt      float64         `json:"retried_at,omitempty"`
}

// ErrorInfo captures the failure that sidelined a job.
type ErrorInfo struct {
	Message string `json:"message"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Trace   string `json:"trace"`
}

// FailedJob is the sidelined record for a job that exhausted its tries.
// ID equals the originating Job.ID.
type FailedJob struct {
	ID          string    `json:"id"`
	OriginalJob Job       `json:"original_job"`
	Exception   ErrorInfo `json:"exception"`
	FailedAt    float64   `json:"failed_at"`
}

// NewErrorInfo builds an ErrorInfo from an error at the caller's site.
func NewErrorInfo(err error) ErrorInfo {
	info := ErrorInfo{Trace: string(debug.Stack())}
	if err != nil {
		info.Message = err.Error()
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		info.File = file
		info.Line = line
	}
	return info
}

// generateJobID returns a fresh queue-unique job identifier.
func generateJobID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp if crypto fails
		return fmt.Sprintf("job_%d", time.Now().UnixNano())
	}
	return "job_" + hex.EncodeToString(b)
}

// unixFloat converts a time to the envelope's float-seconds form.
func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
