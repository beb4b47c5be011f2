package optimize

import (
	"bytes"
	"sync"
)

// BufferPool reuses bytes.Buffers for request bodies. Buffers that grew past
// maxCap are dropped instead of pooled so one large frame does not pin memory.
type BufferPool struct {
	pool   sync.Pool
	maxCap int
}

// NewBufferPool creates a pool whose buffers start with initialCap bytes.
func NewBufferPool(initialCap, maxCap int) *BufferPool {
	return &BufferPool{
		maxCap: maxCap,
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, initialCap))
			},
		},
	}
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put resets buf and returns it to the pool.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || (p.maxCap > 0 && buf.Cap() > p.maxCap) {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}
