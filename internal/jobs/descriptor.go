package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedPayload is returned when a verified body is not a job descriptor.
	ErrMalformedPayload = errors.New("malformed job payload")
	// ErrUnknownJob is returned when no handler is registered for a job class.
	ErrUnknownJob = errors.New("unknown job")
)

// Descriptor is the serialized job carried in a message body.
type Descriptor struct {
	JobClass      string          `json:"job_class"`
	JobID         string          `json:"job_id"`
	ProviderJobID string          `json:"provider_job_id,omitempty"`
	QueueName     string          `json:"queue_name,omitempty"`
	Priority      *int            `json:"priority,omitempty"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	Executions    int             `json:"executions,omitempty"`
	Locale        string          `json:"locale,omitempty"`
	EnqueuedAt    string          `json:"enqueued_at,omitempty"`

	// Delivery metadata, filled from the transport rather than the body.
	MessageID    string `json:"-"`
	ReceiveCount int    `json:"-"`
	Periodic     bool   `json:"-"`
}

// Decode parses body into a Descriptor. job_class and job_id are required.
func Decode(body []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	d.JobClass = strings.TrimSpace(d.JobClass)
	if d.JobClass == "" {
		return nil, fmt.Errorf("%w: job_class is required", ErrMalformedPayload)
	}
	if strings.TrimSpace(d.JobID) == "" {
		return nil, fmt.Errorf("%w: job_id is required", ErrMalformedPayload)
	}
	return &d, nil
}
