package supervisor

import (
	"bytes"
	"sync"
)

// boundedBuffer keeps the first max bytes written to it and discards the
// rest, so a chatty workload never blocks on a full pipe.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func newBoundedBuffer(max int64) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if b.max > 0 {
		room := b.max - int64(b.buf.Len())
		if room <= 0 {
			b.truncated = b.truncated || n > 0
			return n, nil
		}
		if int64(n) > room {
			p = p[:room]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *boundedBuffer) snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String(), b.truncated
}
