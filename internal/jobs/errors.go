package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrNoJob     = errors.New("no job ready")
	ErrNotFound  = errors.New("job not found")
	ErrLeaseLost = errors.New("lease no longer held")
	ErrClosed    = errors.New("queue closed")
	ErrInvalid   = errors.New("invalid job request")
)

// QueueError reports a failed queue operation.
type QueueError struct {
	Op    string
	JobID string
	Err   error
}

func (e *QueueError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("queue %s %s: %v", e.Op, e.JobID, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

func queueErr(op, jobID string, err error) error {
	if err == nil {
		return nil
	}
	return &QueueError{Op: op, JobID: jobID, Err: err}
}

// IsNoJob reports whether err means the queue had nothing ready to claim.
func IsNoJob(err error) bool {
	return errors.Is(err, ErrNoJob)
}
