// Package handler defines the step handler contract. A handler performs the
// business logic of one task type; the engine owns everything else
// (scheduling, retries, checkpoints, caching).
package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xraph/tenantflow/id"
)

// Status classifies a handler outcome.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusRetryable Status = "retryable_failure"
	StatusFatal     Status = "fatal_failure"
)

// Input is what a handler receives.
type Input struct {
	InstanceID id.InstanceID
	StepExecID id.StepID
	StepID     string
	TaskType   string
	OrgID      string
	Attempt    int

	// Context is the instance context payload.
	Context json.RawMessage

	// Upstream maps each dependency step id to its recorded output.
	// Skipped dependencies are absent.
	Upstream map[string]json.RawMessage
}

// payload is the document the cache fingerprints.
type payload struct {
	Context  json.RawMessage            `json:"context"`
	Upstream map[string]json.RawMessage `json:"upstream"`
}

// Payload encodes the context and upstream outputs as one JSON document.
func (in Input) Payload() ([]byte, error) {
	ctx := in.Context
	if len(ctx) == 0 {
		ctx = json.RawMessage("null")
	}
	return json.Marshal(payload{Context: ctx, Upstream: in.Upstream})
}

// Result is what a handler returns.
type Result struct {
	Status      Status
	Output      json.RawMessage
	ErrorDetail string
}

// Succeed returns a success result carrying output.
func Succeed(output json.RawMessage) Result {
	return Result{Status: StatusSuccess, Output: output}
}

// Retry returns a retryable failure.
func Retry(err error) Result {
	return Result{Status: StatusRetryable, ErrorDetail: errString(err)}
}

// Fail returns a fatal failure; the step is not retried.
func Fail(err error) Result {
	return Result{Status: StatusFatal, ErrorDetail: errString(err)}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Handler executes a step.
type Handler interface {
	Execute(ctx context.Context, in Input) Result
}

// Func adapts a function to Handler.
type Func func(ctx context.Context, in Input) Result

// Execute implements Handler.
func (f Func) Execute(ctx context.Context, in Input) Result { return f(ctx, in) }

// fatalError marks an error as not worth retrying.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Permanent wraps err so Typed reports it as a fatal failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
