package process

import "sync"

// DefaultScrollbackBytes is the per-session output retained for late viewers.
const DefaultScrollbackBytes = 256 * 1024

// RingBuffer keeps the most recent bytes written to it.
type RingBuffer struct {
	mu   sync.Mutex
	data []byte
	pos  int
	full bool
}

// NewRingBuffer creates a buffer holding at most size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultScrollbackBytes
	}
	return &RingBuffer{data: make([]byte, size)}
}

// Write appends p, discarding the oldest bytes on overflow.
func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	size := len(r.data)
	if n >= size {
		copy(r.data, p[n-size:])
		r.pos = 0
		r.full = true
		return n, nil
	}

	k := copy(r.data[r.pos:], p)
	if k < n {
		copy(r.data, p[k:])
		r.full = true
	}
	next := r.pos + n
	if next >= size {
		r.full = true
	}
	r.pos = next % size
	return n, nil
}

// Bytes returns a copy of the buffered output, oldest first.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]byte(nil), r.data[:r.pos]...)
	}
	out := make([]byte, 0, len(r.data))
	out = append(out, r.data[r.pos:]...)
	return append(out, r.data[:r.pos]...)
}

// Len returns the number of buffered bytes.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.data)
	}
	return r.pos
}
