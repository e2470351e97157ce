// Package bytespool 提供按大小分级的 []byte 复用池，用于响应体拷贝等短生命周期缓冲区。
package bytespool

import "sync"

const (
	numPools = 5
	// MinPoolSize is the smallest pooled size. Smaller requests are plain
	// allocations.
	MinPoolSize = 4 * 1024
)

var (
	pools     [numPools]sync.Pool
	poolSizes [numPools]int
)

func init() {
	size := MinPoolSize
	for i := range numPools {
		n := size
		pools[i].New = func() any { return make([]byte, n) }
		poolSizes[i] = n
		size *= 2
	}
}

func poolFor(size int) (*sync.Pool, int) {
	for i, n := range poolSizes {
		if size <= n {
			return &pools[i], n
		}
	}
	return nil, 0
}

// Alloc returns a slice of exactly size bytes, backed by a pooled array
// when one is large enough.
func Alloc(size int) []byte {
	if size >= MinPoolSize {
		if p, _ := poolFor(size); p != nil {
			return p.Get().([]byte)[:size]
		}
	}
	return make([]byte, size)
}

// Free returns b to its pool. Slices not obtained from Alloc are dropped.
func Free(b []byte) {
	c := cap(b)
	if c < MinPoolSize {
		return
	}
	if p, n := poolFor(c); p != nil && n == c {
		p.Put(b[:c])
	}
}
