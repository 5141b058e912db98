// Package source implements the downstream consumer the capture engine feeds:
// a reference-counted chunk pool plus a posting sink, modeled on PulseAudio's
// generic source object (pa_source) narrowed to the handful of operations the
// capture thread actually drives. The chunk pool's three-tier reuse strategy
// (pre-allocated slice, sync.Pool, bounded allocation counter) is grounded on
// the pack's zero-copy audio frame pool, extended here with the fixed-vs-pooled
// provenance distinction the engine's mmap path requires.
package source

import (
	"sync"
	"sync/atomic"
)

// Provenance distinguishes a chunk borrowed from the driver's mmap ring (valid
// only until the matching commit) from one owned by this package's pool.
type Provenance int

const (
	// Pooled chunks are backed by a buffer owned by the pool; they may be
	// retained by a downstream consumer past the iteration that produced them.
	Pooled Provenance = iota
	// Fixed chunks are a borrowed view into the driver's mmap region. The
	// engine must Release a fixed chunk before calling the driver's commit;
	// retaining one past that point is a use-after-free.
	Fixed
)

// Chunk is a reference-counted byte range posted downstream by the engine.
type Chunk struct {
	mu         sync.Mutex
	data       []byte
	refCount   int32
	provenance Provenance
	pool       *Pool // nil for Fixed chunks, which are never pooled
}

// Bytes returns the chunk's data. For a Fixed chunk this is only valid before
// Release; callers that need the data to outlive the engine's commit call must
// copy it out before releasing.
func (c *Chunk) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.data
}

// Truncate shortens the chunk's reported data to n bytes, for a caller that
// read fewer bytes than it originally sized the chunk for. It never grows
// the slice back out and leaves the underlying allocation untouched, so a
// Pooled chunk still returns its full capacity to the pool on Release.
func (c *Chunk) Truncate(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n < len(c.data) {
		c.data = c.data[:n]
	}
}

// Provenance reports whether this chunk is a borrowed mmap view or pool-owned.
func (c *Chunk) Provenance() Provenance {
	return c.provenance
}

// AddRef increments the chunk's reference count for shared downstream access.
func (c *Chunk) AddRef() {
	atomic.AddInt32(&c.refCount, 1)
}

// Release decrements the chunk's reference count. A Pooled chunk returns
// itself to its pool once the count reaches zero; a Fixed chunk simply becomes
// inert, since its backing memory is owned by the driver, not this package.
func (c *Chunk) Release() {
	if atomic.AddInt32(&c.refCount, -1) > 0 {
		return
	}

	if c.provenance == Pooled && c.pool != nil {
		c.pool.put(c)
	}
}

// Pool manages reusable Pooled chunks sized to the configured maximum block
// size, following the pack's pre-allocated-slice + sync.Pool + bounded-counter
// layering rather than allocating a fresh buffer per chunk.
type Pool struct {
	maxBlockSize int
	maxCount     int64

	prealloc   []*Chunk
	preallocMu sync.Mutex

	sync     sync.Pool
	outCount int64
}

// NewPool constructs a chunk pool. maxBlockSize bounds the size of a single
// pooled allocation; preallocCount seeds the fast immediate-reuse tier;
// maxCount bounds total live allocations so a stalled downstream consumer
// cannot grow the pool without limit.
func NewPool(maxBlockSize, preallocCount int, maxCount int64) *Pool {
	if maxBlockSize < 1 {
		maxBlockSize = 1
	}

	if preallocCount < 0 {
		preallocCount = 0
	}

	p := &Pool{
		maxBlockSize: maxBlockSize,
		maxCount:     maxCount,
	}

	p.sync.New = func() any {
		return &Chunk{
			data:       make([]byte, 0, maxBlockSize),
			provenance: Pooled,
			pool:       p,
		}
	}

	p.prealloc = make([]*Chunk, 0, preallocCount)
	for i := 0; i < preallocCount; i++ {
		p.prealloc = append(p.prealloc, &Chunk{
			data:       make([]byte, 0, maxBlockSize),
			provenance: Pooled,
			pool:       p,
		})
	}

	return p
}

// Get acquires a Pooled chunk sized to n bytes (capped at maxBlockSize),
// refCount 1. Returns false if the pool's allocation guard has been exceeded.
func (p *Pool) Get(n int) (*Chunk, bool) {
	if n > p.maxBlockSize {
		n = p.maxBlockSize
	}

	if p.maxCount > 0 && atomic.LoadInt64(&p.outCount) >= p.maxCount {
		return nil, false
	}

	var c *Chunk

	p.preallocMu.Lock()
	if l := len(p.prealloc); l > 0 {
		c = p.prealloc[l-1]
		p.prealloc = p.prealloc[:l-1]
	}
	p.preallocMu.Unlock()

	if c == nil {
		c = p.sync.Get().(*Chunk)
	}

	c.mu.Lock()
	c.data = c.data[:0]
	c.data = append(c.data, make([]byte, n)...)
	c.refCount = 1
	c.mu.Unlock()

	atomic.AddInt64(&p.outCount, 1)

	return c, true
}

func (p *Pool) put(c *Chunk) {
	atomic.AddInt64(&p.outCount, -1)

	p.preallocMu.Lock()
	if len(p.prealloc) < cap(p.prealloc) {
		p.prealloc = append(p.prealloc, c)
		p.preallocMu.Unlock()

		return
	}
	p.preallocMu.Unlock()

	p.sync.Put(c)
}

// NewFixed wraps a borrowed mmap view as a Fixed chunk. The caller (the
// engine's mmap capture path) must Release it before committing the driver's
// read pointer past the region it describes.
func NewFixed(data []byte) *Chunk {
	return &Chunk{
		data:       data,
		refCount:   1,
		provenance: Fixed,
	}
}
