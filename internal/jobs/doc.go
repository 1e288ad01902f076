// Package jobs executes verified job messages and periodic tasks handed over
// by the gate.
//
// The runner decodes the job descriptor from the message body, looks up the
// handler registered for its job class and performs it under a timeout.
// Every execution is written to the ledger and reported to the observer.
//
// Key features:
//   - Registry of in-process handlers and spawn-per-job command handlers
//   - Per-class timeouts (default 5m)
//   - Command handlers speak JSON over stdin/stdout (see package protocol)
//   - Timeout enforcement with SIGTERM → 5s grace → SIGKILL
//   - Stderr capture (capped at 64KB)
//
// Error handling:
//   - Body is not a job descriptor → ErrMalformedPayload
//   - No handler for the job class → ErrUnknownJob, failed status
//   - Handler returns error or panics → failed status
//   - Timeout → timed_out status
//
// Any error makes the gate answer 500 so the daemon leaves the message on the
// queue for redelivery or the dead-letter queue.
package jobs
