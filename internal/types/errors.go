package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the recoverable task failure modes. The coordinator
// retries these; only RetryExhaustedError and ConfigError surface to the
// caller.
var (
	ErrTaskTimeout       = errors.New("task timeout: worker unresponsive")
	ErrTaskCrash         = errors.New("task crash: worker reported failure")
	ErrShuffleIncomplete = errors.New("shuffle incomplete: upstream mapper set never fully reported")
	ErrCancelled         = errors.New("task cancelled")
)

// MalformedRecordError reports an input line that does not split into
// exactly two tokens. It aborts only the owning task unless the shard's
// malformed rate exceeds the configured threshold.
type MalformedRecordError struct {
	Path   string
	Offset int64 // byte offset of the offending line
	Text   string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record at %s@%d: %q", e.Path, e.Offset, e.Text)
}

// RetryExhaustedError is fatal: a task failed more times than MaxRetries
// allows, so the whole job is aborted.
type RetryExhaustedError struct {
	TaskID  string
	Stage   int
	Attempt int
	Cause   error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for task %s (stage %d, attempt %d): %v",
		e.TaskID, e.Stage, e.Attempt, e.Cause)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Cause }

// ConfigError rejects an invalid configuration before any task is scheduled.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
