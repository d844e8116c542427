package buffer

import (
	"math/bits"
	"sync"
)

// Pool is a size-bucketed LIFO cache of Buffers, the §4.2 ResourceManager
// pool policy: buckets are keyed by power-of-two element capacity, LIFO
// within a bucket to maximize cache warmth, each bucket capped independently
// with oldest-eviction on overflow. This mirrors the teacher's
// core.SublatePool/runtime.BufferPool (sync.Pool / channel based reuse) but
// keyed by size the way the spec's ResourceManager requires, rather than a
// single undifferentiated pool.
type Pool struct {
	mu      sync.Mutex
	buckets map[int][]*Buffer
	cap     int // max entries retained per bucket
}

// NewPool creates a Pool that retains at most perBucketCap buffers per
// size bucket.
func NewPool(perBucketCap int) *Pool {
	if perBucketCap <= 0 {
		perBucketCap = 8
	}
	return &Pool{
		buckets: make(map[int][]*Buffer),
		cap:     perBucketCap,
	}
}

func bucketFor(elements int) int {
	if elements <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(elements-1))
}

// Acquire returns a Buffer from the pool whose capacity is >= the requested
// size, or allocates a new one. The returned buffer is reset to req/hint and
// carries a fresh refcount of 1.
func (p *Pool) Acquire(req Requisition, hint Location) *Buffer {
	bucket := bucketFor(req.Size())

	p.mu.Lock()
	entries := p.buckets[bucket]
	var b *Buffer
	if n := len(entries); n > 0 {
		b = entries[n-1]
		p.buckets[bucket] = entries[:n-1]
	}
	p.mu.Unlock()

	if b == nil {
		b = New(req, hint)
		return b
	}
	b.resetForReuse(req, hint)
	return b
}

// Release returns buf to the pool, bucketed by its current capacity. On
// exceeding the per-bucket cap, the oldest entry in that bucket (the head of
// the LIFO slice) is dropped to let the GC reclaim it.
func (p *Pool) Release(buf *Buffer) {
	bucket := bucketFor(buf.Capacity())

	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.buckets[bucket]
	if len(entries) >= p.cap {
		// Evict the oldest entry to stay within the hard cap.
		entries = entries[1:]
	}
	p.buckets[bucket] = append(entries, buf)
}

// Outstanding reports how many buffers are not currently sitting in the
// pool's buckets, given the total number this pool has ever produced. Tests
// use this to assert the invariant that the pool-outstanding count returns
// to zero once a run completes (see TESTABLE PROPERTIES invariant #1).
func (p *Pool) Outstanding(totalProduced int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	pooled := 0
	for _, entries := range p.buckets {
		pooled += len(entries)
	}
	return totalProduced - pooled
}
