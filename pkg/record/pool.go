package record

import (
	"sync"
	"sync/atomic"
)

// Pool represents a generic object pool with type safety.
// It wraps sync.Pool with statistics tracking and automatic reset.
// The pool is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	new   func() T
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		hits      int64
	}
}

// NewPool creates a new typed pool with custom allocation and reset functions.
// The reset function, if non-nil, is called before an object returns to the
// pool so it comes back clean on the next Get.
func NewPool[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{
		new:   newFn,
		reset: reset,
	}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		return newFn()
	}
	return p
}

// Get retrieves an object from the pool, creating one if the pool is empty.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	obj := p.pool.Get().(T)
	atomic.AddInt64(&p.stats.hits, 1)
	return obj
}

// Put returns an object to the pool for reuse.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats returns allocation count, objects in use, and pool hits.
func (p *Pool[T]) Stats() (allocated, inUse, hits int64) {
	return atomic.LoadInt64(&p.stats.allocated),
		atomic.LoadInt64(&p.stats.inUse),
		atomic.LoadInt64(&p.stats.hits)
}

// Global pools for the hot path. Records and payload maps cycle through
// these so steady-state sync cycles stay allocation-flat.
var (
	recordPool = NewPool(
		func() *Record {
			return &Record{
				Payload: make(map[string]interface{}, 16),
			}
		},
		func(r *Record) {
			r.Key = ""
			r.Operation = ""
			r.Version = ""
			r.Timestamp = timeZero
			r.hash = 0
			r.hashed = false
			for k := range r.Payload {
				delete(r.Payload, k)
			}
			if r.Metadata != nil {
				for k := range r.Metadata {
					delete(r.Metadata, k)
				}
			}
		},
	)

	mapPool = NewPool(
		func() map[string]interface{} {
			return make(map[string]interface{}, 16)
		},
		func(m map[string]interface{}) {
			for k := range m {
				delete(m, k)
			}
		},
	)

	batchPool = NewPool(
		func() []*Record {
			return make([]*Record, 0, 1000)
		},
		func(s []*Record) {
			for i := range s {
				s[i] = nil
			}
		},
	)

	idBufferPool = NewPool(
		func() []byte {
			return make([]byte, 0, 64)
		},
		nil,
	)
)

// idCounter provides atomic unique ID generation
var idCounter uint64

// GetMap retrieves an empty map[string]interface{} from the global pool.
func GetMap() map[string]interface{} {
	return mapPool.Get()
}

// PutMap returns a map to the global pool. Safe to call with nil.
func PutMap(m map[string]interface{}) {
	if m != nil {
		mapPool.Put(m)
	}
}

// GetBatch retrieves a record slice with at least the requested capacity.
func GetBatch(capacity int) []*Record {
	batch := batchPool.Get()
	if cap(batch) < capacity {
		batch = make([]*Record, 0, capacity)
	}
	return batch[:0]
}

// PutBatch returns a batch slice to the global pool. The records it held
// are not released; callers own those separately.
func PutBatch(batch []*Record) {
	if batch != nil {
		batchPool.Put(batch)
	}
}

// GenerateID generates a unique ID of the form "prefix-n" using an atomic
// counter and a pooled buffer. Safe for concurrent use.
func GenerateID(prefix string) string {
	buf := idBufferPool.Get()
	defer idBufferPool.Put(buf[:0])

	id := atomic.AddUint64(&idCounter, 1)

	buf = append(buf, prefix...)
	buf = append(buf, '-')
	buf = appendUint64(buf, id)

	return string(buf)
}

// appendUint64 efficiently appends uint64 to a byte slice
func appendUint64(buf []byte, n uint64) []byte {
	if n == 0 {
		return append(buf, '0')
	}

	temp := n
	digits := 0
	for temp > 0 {
		temp /= 10
		digits++
	}

	start := len(buf)
	buf = buf[:start+digits]

	for i := digits - 1; i >= 0; i-- {
		buf[start+i] = byte('0' + n%10)
		n /= 10
	}

	return buf
}
