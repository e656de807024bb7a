package sandbox

import "sync"

// DefaultOutputLimit caps captured stdout and stderr (each) when the
// policy does not set its own limit.
const DefaultOutputLimit int64 = 1 << 20 // 1 MiB

// capturedOutput is a bounded, concurrency-safe sink for one output
// stream. Writes past the cap are counted but dropped so the sandboxed
// process never blocks on a full pipe; the excess is flagged instead.
type capturedOutput struct {
	mu        sync.Mutex
	buf       []byte
	limit     int64
	truncated bool
}

func newCapturedOutput(limit int64) *capturedOutput {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &capturedOutput{limit: limit}
}

// Write implements io.Writer. It never returns an error: short-circuiting
// the sandboxed process's output is exactly what the cap must not do.
func (c *capturedOutput) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.limit - int64(len(c.buf))
	switch {
	case remaining <= 0:
		c.truncated = true
	case int64(len(p)) > remaining:
		c.buf = append(c.buf, p[:remaining]...)
		c.truncated = true
	default:
		c.buf = append(c.buf, p...)
	}
	return len(p), nil
}

// Bytes returns a copy of the captured output.
func (c *capturedOutput) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	return out
}

// Truncated reports whether any output was dropped.
func (c *capturedOutput) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
