package ioengine

import "sync"

// Pooled payload buffers avoid hot-path allocations on the message receive
// path. Bucketed by power-of-two size, same shape as the collective
// engine's own pooling needs (a fence payload is rarely more than a few KB
// per contributing rank, but direct-modex blobs can be larger).
const (
	size4k  = 4 * 1024
	size16k = 16 * 1024
	size64k = 64 * 1024
	size1m  = 1024 * 1024
)

var bufPool = struct {
	p4k  sync.Pool
	p16k sync.Pool
	p64k sync.Pool
	p1m  sync.Pool
}{
	p4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	p16k: sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	p64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	p1m:  sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// getBuffer returns a pooled buffer of at least size bytes.
func getBuffer(size uint32) []byte {
	switch {
	case size <= size4k:
		return (*bufPool.p4k.Get().(*[]byte))[:size]
	case size <= size16k:
		return (*bufPool.p16k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*bufPool.p64k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*bufPool.p1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// putBuffer returns a buffer obtained from getBuffer to its pool.
func putBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		bufPool.p4k.Put(&buf)
	case size16k:
		bufPool.p16k.Put(&buf)
	case size64k:
		bufPool.p64k.Put(&buf)
	case size1m:
		bufPool.p1m.Put(&buf)
	}
}
