// Package kheap is a kernel small-object allocator whose out-of-memory
// path grows itself by requesting a single contiguous chunk
// (kconfig.Config.HeapChunk, 128 KiB by default) of Kernel-flagged
// frames from internal/pmm through the kernel identity window.
// Requests larger than one chunk fail without retry: the kernel never
// makes large allocations.
package kheap

import (
	"fmt"
	"sync"

	"kiwi/internal/addr"
	"kiwi/internal/kconfig"
	"kiwi/internal/pmm"
)

// block is one free run inside a donated chunk, tracked by a simple
// first-fit free list at byte granularity.
type block struct {
	base addr.KVirt
	size int
}

// Heap is the small-object allocator. All exported methods are
// synchronous and take a single mutex, mirroring the single-mutex
// discipline the frame allocator it grows from uses.
type Heap struct {
	mu     sync.Mutex
	alloc  *pmm.Allocator
	cfg    kconfig.Config
	free   []block
	chunks int
}

// New builds an empty heap that grows from alloc on its first
// allocation.
func New(alloc *pmm.Allocator, cfg kconfig.Config) *Heap {
	return &Heap{alloc: alloc, cfg: cfg}
}

// ChunkBytes reports the configured chunk size donated on each grow.
func (h *Heap) ChunkBytes() int { return h.cfg.HeapChunk }

// Chunks reports how many chunks have been donated so far, for tests
// and diagnostics.
func (h *Heap) Chunks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chunks
}

// Alloc reserves size bytes from the heap, growing by one chunk from
// the frame allocator if no free block is large enough. It fails
// without retry if size exceeds one chunk.
func (h *Heap) Alloc(size int) (addr.KVirt, error) {
	if size <= 0 {
		panic("kheap: Alloc size must be positive")
	}
	if size > h.cfg.HeapChunk {
		return 0, fmt.Errorf("kheap: request of %d bytes exceeds chunk size %d", size, h.cfg.HeapChunk)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if idx := h.findFit(size); idx >= 0 {
		return h.takeFrom(idx, size), nil
	}
	if err := h.grow(); err != nil {
		return 0, err
	}
	idx := h.findFit(size)
	if idx < 0 {
		panic("kheap: freshly donated chunk cannot satisfy a request within chunk size")
	}
	return h.takeFrom(idx, size), nil
}

func (h *Heap) findFit(size int) int {
	for i, b := range h.free {
		if b.size >= size {
			return i
		}
	}
	return -1
}

func (h *Heap) takeFrom(idx, size int) addr.KVirt {
	b := h.free[idx]
	ret := b.base
	if b.size == size {
		h.free = append(h.free[:idx], h.free[idx+1:]...)
	} else {
		h.free[idx] = block{base: addr.KVirt(uint64(b.base) + uint64(size)), size: b.size - size}
	}
	return ret
}

// grow pulls one HeapChunk-sized, page-aligned run of Kernel-flagged
// frames from the frame allocator and donates it as one new free
// block.
func (h *Heap) grow() error {
	pages := h.cfg.HeapChunk / addr.PageSize
	base, ok := h.alloc.AllocateRange(pages, pmm.FlagKernel)
	if !ok {
		return fmt.Errorf("kheap: out of memory growing by %d bytes", h.cfg.HeapChunk)
	}
	kv, err := addr.PhysToKVirt(base)
	if err != nil {
		return fmt.Errorf("kheap: donated chunk at %#x has no identity-window view: %w", base, err)
	}
	h.free = append(h.free, block{base: kv, size: h.cfg.HeapChunk})
	h.chunks++
	return nil
}
