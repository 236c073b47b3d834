// Package task routes decrypted requests to registered handlers and runs the
// resulting jobs off the request path.
package task

import (
	"context"
	"encoding/json"
)

// Request is the decrypted body of an envelope.
type Request struct {
	Task  string          `json:"task"`
	LogID int64           `json:"log_id"`
	Data  json.RawMessage `json:"data"`
}

// Status is the terminal state of a job.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Result is what a job hands back to the worker. Output becomes the report's
// output_log.
type Result struct {
	Status Status
	Output string
}

// Failed is shorthand for a FAILED result.
func Failed(output string) Result {
	return Result{Status: StatusFailed, Output: output}
}

// Job executes one accepted request. It must not panic on expected failures;
// the worker still recovers if it does.
type Job func(ctx context.Context) Result

// Handler validates a request's data and binds it into a Job. Validation
// errors are returned to the caller synchronously, before anything runs.
type Handler interface {
	Prepare(req Request) (Job, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req Request) (Job, error)

func (f HandlerFunc) Prepare(req Request) (Job, error) {
	return f(req)
}
