package sandbox

import (
	"bytes"
	"sync"
)

const (
	// DefaultMaxOutputBytes caps stdout and stderr per command.
	DefaultMaxOutputBytes = 64 << 10 // 64 KiB

	// TruncationMarker is appended to output that hit the cap.
	TruncationMarker = "\n[output truncated]"
)

// cappedBuffer collects process output up to a byte limit.
// Writes past the limit are discarded but reported as successful so the
// child never sees EPIPE. Safe for concurrent writers.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	remaining int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	return &cappedBuffer{remaining: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if b.remaining <= 0 {
		if n > 0 {
			b.truncated = true
		}
		return n, nil
	}
	if len(p) > b.remaining {
		p = p[:b.remaining]
		b.truncated = true
	}
	written, _ := b.buf.Write(p)
	b.remaining -= written
	return n, nil
}

// String returns the captured text, with the truncation marker when capped.
func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + TruncationMarker
	}
	return b.buf.String()
}

// Truncated reports whether output was discarded.
func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Output is a pair of capped stdout/stderr buffers shared between a caller
// and a backend.
type Output struct {
	stdout *cappedBuffer
	stderr *cappedBuffer
}

// NewOutput creates an Output capping each stream at limit bytes.
func NewOutput(limit int) *Output {
	return &Output{stdout: newCappedBuffer(limit), stderr: newCappedBuffer(limit)}
}

// Stdout returns what has been written to stdout so far.
func (o *Output) Stdout() string { return o.stdout.String() }

// Stderr returns what has been written to stderr so far.
func (o *Output) Stderr() string { return o.stderr.String() }

// Truncated reports whether either stream hit the cap.
func (o *Output) Truncated() bool { return o.stdout.Truncated() || o.stderr.Truncated() }
