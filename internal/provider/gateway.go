package provider

import (
	"context"
	"errors"
	"fmt"
)

// State is the normalized lifecycle vocabulary every adapter maps its
// provider's statuses onto. Exactly these four states cross the gateway
// boundary.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateError     State = "error"
)

// JobSpec is the minimal request shape the orchestrator hands to a
// gateway. Provider-specific payload shaping happens inside adapters.
type JobSpec struct {
	Capability      string
	Model           string
	Prompt          string
	AspectRatio     string
	DurationSeconds int
	SourceImageURL  string
}

// PollResult is a status snapshot. The gateway never mutates task records;
// the orchestrator applies these snapshots.
type PollResult struct {
	State     State
	Progress  int
	ResultURL string
	Message   string
}

// Gateway abstracts one external generation provider. Submit failures of
// any kind are terminal for the task: no partial credit hold survives a
// failed hand-off. Poll distinguishes transient transport failures
// (*TransientError, retried by the caller) from provider-reported error
// states (terminal).
type Gateway interface {
	Name() string
	Submit(ctx context.Context, spec *JobSpec) (providerTaskID string, err error)
	Poll(ctx context.Context, providerTaskID string) (*PollResult, error)
}

// TransientError marks a poll failure that says nothing about the job
// itself — network errors, timeouts, provider 5xx. Callers retry these up
// to a bound instead of failing the task.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
