package gate

import (
	"context"

	"github.com/mattjoyce/sqsd-gate/internal/digest"
)

//go:generate mockgen -destination=mocks/mock_gate.go -package=mocks github.com/mattjoyce/sqsd-gate/internal/gate Dispatcher,TaskRunner

// Delivery is a verified daemon message handed to the job side.
type Delivery struct {
	MessageID    string
	Queue        string
	ReceiveCount int
	Body         []byte
}

// Dispatcher executes a verified job message. A nil error means the job ran
// to completion and the daemon may delete the message.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Delivery) error
}

// TaskRunner executes a named periodic task delivered by the daemon's
// scheduler (cron.yaml).
type TaskRunner interface {
	RunTask(ctx context.Context, name string, d Delivery) error
}

// Recorder observes every decision made for daemon traffic.
type Recorder interface {
	ObserveDecision(d Decision)
}

// Config holds gate settings. It is built from the service config by the caller.
type Config struct {
	// Enabled switches the gate on. When false every request passes through.
	Enabled bool

	// Secret is the shared secret used for message digests.
	Secret string

	// DigestScheme selects the digest algorithm (default hmac-sha256).
	DigestScheme digest.Scheme

	// Origin is the origin attribute value that addresses a message to job
	// execution (default "AEJ").
	Origin string

	// TrustedSources are extra local-only peers accepted besides loopback.
	TrustedSources []string

	// PeriodicTasksRoute is the path the daemon posts scheduled tasks to.
	// Empty disables periodic task handling.
	PeriodicTasksRoute string

	// AcceptUnaddressedDigests treats a message with a digest but no origin
	// attribute as a job message instead of rejecting it.
	AcceptUnaddressedDigests bool

	// MaxBodySize caps the job message body in bytes (default 256KB).
	MaxBodySize int64
}

// Outcome is the terminal classification of a request.
type Outcome int

const (
	PassThrough Outcome = iota
	Forbidden
	Unavailable
	Executed
)

func (o Outcome) String() string {
	switch o {
	case PassThrough:
		return "pass_through"
	case Forbidden:
		return "forbidden"
	case Unavailable:
		return "unavailable"
	case Executed:
		return "executed"
	default:
		return "unknown"
	}
}

// Reason values explain a decision in logs and metrics. They are never sent
// to the caller.
const (
	ReasonNotAddressed      = "not_addressed"
	ReasonOtherOrigin       = "other_origin"
	ReasonUntrustedSource   = "untrusted_source"
	ReasonUnaddressedDigest = "unaddressed_digest"
	ReasonDraining          = "draining"
	ReasonInvalidDigest     = "invalid_digest"
	ReasonBodyUnreadable    = "body_unreadable"
	ReasonBodyTooLarge      = "body_too_large"
	ReasonInternalFault     = "internal_fault"
	ReasonJobDispatched     = "job_dispatched"
	ReasonJobFailed         = "job_failed"
	ReasonTaskExecuted      = "task_executed"
	ReasonTaskFailed        = "task_failed"
)

// Decision is the result of running one request through the gate.
type Decision struct {
	Outcome Outcome
	// Status is the HTTP status written by the gate; 0 for PassThrough.
	Status int
	Reason string
}

// StatusResponse is the JSON body for executed messages.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the JSON body for rejected or failed messages.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultOrigin      = "AEJ"
	DefaultMaxBodySize = 256 * 1024
)
