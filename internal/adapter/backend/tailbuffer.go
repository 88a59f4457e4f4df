package backend

import "sync"

// tailBuffer is a thread-safe, bounded byte buffer that keeps only the most
// recent output. Subprocess stderr goes here so failures can be classified
// without holding arbitrarily large logs.
type tailBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64 // total bytes ever written (including dropped)
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

// Write implements io.Writer.
func (tb *tailBuffer) Write(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.data = append(tb.data, p...)
	tb.written += int64(len(p))
	if len(tb.data) > tb.max {
		tb.data = tb.data[len(tb.data)-tb.max:]
	}
	return len(p), nil
}

// String returns the retained tail.
func (tb *tailBuffer) String() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return string(tb.data)
}

// Truncated reports whether older output was dropped.
func (tb *tailBuffer) Truncated() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.written > int64(len(tb.data))
}
