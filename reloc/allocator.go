package reloc

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/vmbridge/errors"
	"github.com/wippyai/vmbridge/globaldata"
)

// Allocator is the global-data policy of one VM handle.
// The first request allocates the buffer from the request's data image;
// every later request resolves into the same buffer.
type Allocator struct {
	buf         *globaldata.Buffer
	base        uint64
	limit       uint64
	calls       int
	allocations int
	released    bool
	mu          sync.Mutex
}

// NewAllocator creates an allocator mapping its buffer at guest address base.
// A limit of 0 disables the size check.
func NewAllocator(base, limit uint64) *Allocator {
	return &Allocator{base: base, limit: limit}
}

// Resolve returns the guest address of the requested symbol.
func (a *Allocator) Resolve(req Request) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.released {
		return 0, errors.Destroyed(errors.PhaseRelocate)
	}
	a.calls++

	if a.buf == nil {
		size := uint64(len(req.Data))
		if a.limit > 0 && size > a.limit {
			return 0, errors.AllocationFailed(errors.PhaseRelocate, size, a.limit)
		}
		a.buf = globaldata.New(a.base, req.Data)
		a.allocations++
		Logger().Debug("global data allocated",
			zap.Uint64("base", a.base),
			zap.Uint64("size", size),
			zap.String("symbol", req.SymbolName))
	}

	if !a.buf.Contains(req.SymbolOffset, req.SymbolSize) {
		return 0, errors.New(errors.PhaseRelocate, errors.KindOutOfBounds).
			Symbol(req.SymbolName).
			Value(req.SymbolOffset).
			Detail("symbol range [%d, +%d) exceeds global data of %d bytes",
				req.SymbolOffset, req.SymbolSize, a.buf.Len()).
			Build()
	}

	return a.base + req.SymbolOffset, nil
}

// Buffer returns the allocated buffer, nil before the first request.
func (a *Allocator) Buffer() *globaldata.Buffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf
}

// Base returns the guest address the buffer is mapped at.
func (a *Allocator) Base() uint64 {
	return a.base
}

// Allocations returns how many buffers were allocated (0 or 1).
func (a *Allocator) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocations
}

// Calls returns how many requests were served or rejected.
func (a *Allocator) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Release drops the buffer. Later requests fail with a destroyed error.
func (a *Allocator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = nil
	a.released = true
}
