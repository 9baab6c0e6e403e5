package app

import (
	"time"
)

// Operation tracks one CLI invocation from start to finish. Its status is
// "success" until Fail is called.
type Operation struct {
	Name       string
	Parameters string
	StartedAt  time.Time
	Status     string
	Err        error
}

// NewOperation starts tracking an operation now.
func NewOperation(name, parameters string) *Operation {
	return &Operation{
		Name:       name,
		Parameters: parameters,
		StartedAt:  time.Now(),
		Status:     "success",
	}
}

// Fail marks the operation as failed. The first error is kept.
func (op *Operation) Fail(err error) {
	if err == nil {
		return
	}
	op.Status = "error"
	if op.Err == nil {
		op.Err = err
	}
}

// Failed reports whether Fail was called with an error.
func (op *Operation) Failed() bool {
	return op.Err != nil
}

// LogArgs returns the key/value pairs logged when the operation ends.
func (op *Operation) LogArgs() []any {
	args := []any{
		"operation", op.Name,
		"status", op.Status,
		"duration", time.Since(op.StartedAt).Truncate(time.Millisecond),
	}
	if op.Parameters != "" {
		args = append(args, "params", op.Parameters)
	}
	if op.Err != nil {
		args = append(args, "error", op.Err)
	}
	return args
}
