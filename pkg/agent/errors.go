package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies agent failures for retry and recovery decisions.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindLLM        ErrorKind = "llm"
	KindNetwork    ErrorKind = "network"
	KindDeployment ErrorKind = "deployment"
	KindStorage    ErrorKind = "storage"
	KindTimeout    ErrorKind = "timeout"
	KindUnknown    ErrorKind = "unknown"
)

// Sentinel errors shared across the agent packages.
var (
	// ErrMaxRetriesExceeded indicates the maximum number of retries has been exceeded.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrAgentNotFound indicates an agent name was not present in the registry.
	ErrAgentNotFound = errors.New("agent not found")
)

// Error is the typed failure every agent raises. It is immutable once
// created; Retryable and Recoverable are independent axes: an error can be
// recoverable-but-not-retryable (use a fallback, don't re-attempt) or
// retryable-but-not-recoverable once retries are exhausted.
type Error struct {
	Message     string         `json:"message"`
	Kind        ErrorKind      `json:"kind"`
	Agent       string         `json:"agent"`
	Recoverable bool           `json:"recoverable"`
	Retryable   bool           `json:"retryable"`
	Context     map[string]any `json:"context,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s agent error (%s): %s", e.Agent, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a typed agent error.
func NewError(agentName string, kind ErrorKind, message string) *Error {
	return &Error{
		Message:     message,
		Kind:        kind,
		Agent:       agentName,
		Recoverable: defaultRecoverable(kind),
		Retryable:   defaultRetryable(kind),
		Context:     make(map[string]any),
		Timestamp:   time.Now().UTC(),
	}
}

// Errorf creates a typed agent error with a formatted message.
func Errorf(agentName string, kind ErrorKind, format string, args ...any) *Error {
	err := NewError(agentName, kind, fmt.Sprintf(format, args...))
	for _, arg := range args {
		if cause, ok := arg.(error); ok {
			err.cause = cause
		}
	}
	return err
}

// WithFlags returns a copy with explicit recoverable/retryable flags.
func (e *Error) WithFlags(recoverable, retryable bool) *Error {
	clone := *e
	clone.Recoverable = recoverable
	clone.Retryable = retryable
	return &clone
}

// WithContext returns a copy carrying an extra context key/value pair.
func (e *Error) WithContext(key string, value any) *Error {
	clone := *e
	clone.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		clone.Context[k] = v
	}
	clone.Context[key] = value
	return &clone
}

// WrapUnknown converts a foreign error into a typed agent error. Deadline
// and network failures keep their transient classification so they feed the
// retry machinery; anything unrecognizable becomes kind unknown, neither
// recoverable nor retryable, because a blind re-attempt of something we
// cannot classify is more likely to mask a bug than fix it.
func WrapUnknown(agentName string, err error) *Error {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr
	}
	kind := classifyForeign(err)
	return &Error{
		Message:     err.Error(),
		Kind:        kind,
		Agent:       agentName,
		Recoverable: defaultRecoverable(kind),
		Retryable:   defaultRetryable(kind),
		Context:     make(map[string]any),
		Timestamp:   time.Now().UTC(),
		cause:       err,
	}
}

func classifyForeign(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// defaultRetryable maps kinds to their usual retry behavior. Transient
// transport-class failures retry; everything else needs an explicit opt-in
// via WithFlags.
func defaultRetryable(kind ErrorKind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindLLM:
		return true
	default:
		return false
	}
}

func defaultRecoverable(kind ErrorKind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindLLM, KindValidation:
		return true
	default:
		return false
	}
}
