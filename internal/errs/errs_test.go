package errs

import (
	"errors"
	"io"
	"testing"
)

func TestConstructorsWrapSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", Validation("bad %s", "graph"), ErrValidation},
		{"spawn", Spawn(io.EOF, "start %s", "worker"), ErrSpawn},
		{"execution", Execution("exit %d", 2), ErrExecution},
		{"timeout", Timeout("after %s", "30s"), ErrTimeout},
		{"lease", LeaseConflict("task %s", "t1"), ErrLeaseConflict},
		{"persistence", Persistence(io.EOF, "insert"), ErrPersistence},
		{"not found", NotFound("task %s", "t1"), ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.sentinel)
			}
			if Kind(tt.err) != tt.sentinel.Error() {
				t.Errorf("Kind() = %q, want %q", Kind(tt.err), tt.sentinel.Error())
			}
		})
	}
}

func TestCausePreserved(t *testing.T) {
	if !errors.Is(Spawn(io.EOF, "x"), io.EOF) {
		t.Error("spawn error lost its cause")
	}
	if !errors.Is(Persistence(io.EOF, "x"), io.EOF) {
		t.Error("persistence error lost its cause")
	}
	if Persistence(nil, "x") != nil {
		t.Error("Persistence(nil) should be nil")
	}
	if Kind(io.EOF) != "error" {
		t.Errorf("Kind(io.EOF) = %q", Kind(io.EOF))
	}
}
