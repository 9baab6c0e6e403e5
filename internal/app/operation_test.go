package app

import (
	"errors"
	"testing"
)

func TestNewOperation(t *testing.T) {
	tests := []struct {
		name       string
		operation  string
		parameters string
	}{
		{name: "with parameters", operation: "create", parameters: "/etc/homeserver"},
		{name: "empty parameters", operation: "list", parameters: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.operation, tt.parameters)

			if op.Name != tt.operation {
				t.Errorf("Name = %q, want %q", op.Name, tt.operation)
			}
			if op.Parameters != tt.parameters {
				t.Errorf("Parameters = %q, want %q", op.Parameters, tt.parameters)
			}
			if op.Status != "success" || op.Failed() {
				t.Errorf("Status = %q, Failed() = %v; want success", op.Status, op.Failed())
			}
			if op.StartedAt.IsZero() {
				t.Error("StartedAt is zero")
			}
		})
	}
}

func TestOperation_Fail(t *testing.T) {
	op := NewOperation("restore", "")
	op.Fail(nil)
	if op.Failed() {
		t.Fatal("Fail(nil) marked the operation failed")
	}

	first := errors.New("first")
	op.Fail(first)
	op.Fail(errors.New("second"))
	if !op.Failed() || op.Status != "error" {
		t.Errorf("Status = %q, want error", op.Status)
	}
	if op.Err != first {
		t.Errorf("Err = %v, want the first error", op.Err)
	}

	args := op.LogArgs()
	found := false
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == "error" && args[i+1] == first {
			found = true
		}
	}
	if !found {
		t.Errorf("LogArgs() = %v, want the error included", args)
	}
}
