// Package mempool pools the float32 tensor buffers used by detection so
// that batch workers do not allocate a fresh input and output tensor for
// every page.
package mempool

import (
	"sync"
)

const step = 1024

// pools maps a size class to its *sync.Pool.
var pools sync.Map

// sizeClass rounds n up to the next multiple of step.
func sizeClass(n int) int {
	if n <= step {
		return step
	}
	return (n + step - 1) / step * step
}

func poolFor(cls int) *sync.Pool {
	if p, ok := pools.Load(cls); ok {
		return p.(*sync.Pool)
	}
	p, _ := pools.LoadOrStore(cls, &sync.Pool{New: func() any {
		buf := make([]float32, cls)
		return &buf
	}})
	return p.(*sync.Pool)
}

// GetFloat32 returns a buffer of length n. Its contents are unspecified;
// callers overwrite every element. Return it with PutFloat32.
func GetFloat32(n int) []float32 {
	if n <= 0 {
		return nil
	}
	cls := sizeClass(n)
	bp := poolFor(cls).Get().(*[]float32)
	buf := *bp
	if cap(buf) < cls {
		buf = make([]float32, cls)
	}
	return buf[:n]
}

// PutFloat32 hands buf back to the pool. Buffers whose capacity is not a
// size class, such as ones not obtained from GetFloat32, are dropped. A nil
// slice is ignored.
func PutFloat32(buf []float32) {
	c := cap(buf)
	if c == 0 || c != sizeClass(c) {
		return
	}
	buf = buf[:c]
	poolFor(c).Put(&buf)
}
