package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only envelope version job handlers are spoken to in.
const Version = 1

// Kind distinguishes queued jobs from scheduled periodic tasks.
type Kind string

const (
	KindJob  Kind = "job"
	KindTask Kind = "task"
)

// Request is the envelope written to a job handler's stdin.
type Request struct {
	Protocol     int             `json:"protocol"`
	Kind         Kind            `json:"kind"`
	Name         string          `json:"name"` // job class or task name
	JobID        string          `json:"job_id"`
	MessageID    string          `json:"message_id,omitempty"`
	Queue        string          `json:"queue,omitempty"`
	ReceiveCount int             `json:"receive_count,omitempty"`
	Executions   int             `json:"executions,omitempty"`
	Locale       string          `json:"locale,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	DeadlineAt   time.Time       `json:"deadline_at"`
}

// Response is the envelope a job handler prints on stdout before exiting.
type Response struct {
	Status string     `json:"status"` // ok | error
	Error  string     `json:"error,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry is a log line relayed from the handler into the service log.
type LogEntry struct {
	Level   string `json:"level"` // debug | info | warn | error
	Message string `json:"message"`
}

// OK reports whether the handler completed the job.
func (r *Response) OK() bool {
	return r.Status == "ok"
}
