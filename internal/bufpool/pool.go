package bufpool

import (
	"errors"
	"io"
	"iter"
	"sync"
)

// DefaultSize is the chunk size used for hashing and streaming copies.
const DefaultSize = 1 << 20

// Pool provides a pool of byte buffers of a fixed size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a new buffer pool that returns buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, bufSize)
				return &b
			},
		},
	}
}

// Get returns a buffer from the pool, or allocates a new one if the pool is empty.
func (p *Pool) Get() []byte {
	b := *(p.pool.Get().(*[]byte))
	if cap(b) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return b[:p.bufSize]
}

// Put returns a buffer to the pool for reuse. Undersized buffers are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// Chunks yields successive reads from r into a single pooled buffer. The
// yielded slice is only valid until the next iteration. A read error other
// than io.EOF is yielded once and ends the sequence.
func (p *Pool) Chunks(r io.Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := p.Get()
		defer p.Put(buf)

		for {
			n, err := r.Read(buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}
