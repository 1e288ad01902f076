package joblog

import (
	"errors"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s ends an execution.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Kind mirrors protocol.Kind without importing it.
type Kind string

const (
	KindJob  Kind = "job"
	KindTask Kind = "task"
)

// Execution is one dispatched job or periodic task.
type Execution struct {
	ID           string
	Kind         Kind
	Name         string
	JobID        string
	MessageID    string
	Queue        string
	ReceiveCount int
	Status       Status
	StartedAt    time.Time
	CompletedAt  *time.Time
	Duration     time.Duration
	LastError    *string
	Stderr       *string
}

// StartRequest describes an execution about to run.
type StartRequest struct {
	Kind         Kind
	Name         string
	JobID        string
	MessageID    string
	Queue        string
	ReceiveCount int
}

// Result is the terminal state of an execution.
type Result struct {
	Status    Status
	LastError string
	Stderr    string
}

var ErrExecutionNotFound = errors.New("execution not found")
