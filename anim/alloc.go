package anim

import (
	"fmt"
	"sync"
)

// Allocator hands out render buffers from a fixed byte budget, the way the
// board's external RAM would.
type Allocator struct {
	mu     sync.Mutex
	budget int
	used   int
}

// NewAllocator returns an allocator with budget bytes available.
func NewAllocator(budget int) *Allocator {
	return &Allocator{budget: budget}
}

// Alloc returns a zeroed buffer of n bytes or ErrNoMem.
func (a *Allocator) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("anim: invalid allocation of %d bytes", n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+n > a.budget {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrNoMem, n, a.used, a.budget)
	}
	a.used += n
	return make([]byte, n), nil
}

// Free returns b to the budget.
func (a *Allocator) Free(b []byte) {
	if b == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used -= len(b)
}

// InUse returns the number of bytes allocated.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}
