package sandbox

import (
	"errors"
	"testing"
)

func TestReleaser_RetriesUntilSuccess(t *testing.T) {
	var r releaser
	calls := 0
	fail := true
	fn := func() error {
		calls++
		if fail {
			return ErrTeardownFailed
		}
		return nil
	}

	if err := r.release(fn); !errors.Is(err, ErrTeardownFailed) {
		t.Fatalf("first release err = %v, want ErrTeardownFailed", err)
	}
	fail = false
	if err := r.release(fn); err != nil {
		t.Fatalf("retry err = %v", err)
	}
	if err := r.release(fn); err != nil {
		t.Fatalf("release after success err = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
