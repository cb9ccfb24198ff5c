package vmm

import (
	"errors"
	"sync"

	"kiwi/internal/addr"
	"kiwi/internal/pmm"
)

// Memory gives the engine a byte-addressable view of physical frames
// that back page tables. In a freestanding build this is the kernel
// identity window (internal/addr's KVirt); tests back it with a plain
// Go map/slice, the same separation pmm uses for its Zeroer.
type Memory interface {
	Table(p addr.Phys) *Table
}

// Arch is the CPU-boundary collaborator for address-space activation
// and TLB maintenance.
type Arch interface {
	ActivateRootTable(root addr.Phys)
	FlushTLBAll()
	FlushTLBPage(virt addr.UVirt)
}

var (
	// ErrAlreadyMapped is returned by Map when a leaf already occupies
	// the target address, or an intermediate step finds an existing
	// leaf where it expected to descend further.
	ErrAlreadyMapped = errors.New("vmm: already mapped")
	// ErrOutOfMemory is returned by Map when an intermediate table
	// frame cannot be allocated.
	ErrOutOfMemory = errors.New("vmm: out of memory")
	// ErrNotMapped is returned by Unmap when no entry is present along
	// the walk.
	ErrNotMapped = errors.New("vmm: not mapped")
	// ErrUnsupportedFrameSize is returned by Unmap when a leaf is
	// found above level 0 (a superpage Unmap does not support).
	ErrUnsupportedFrameSize = errors.New("vmm: unsupported frame size")
)

// Engine owns the page-table memory view, the frame allocator used to
// grow tables, the CPU-activation collaborator, and the one true
// kernel RootTable every process address space copies from.
type Engine struct {
	alloc *pmm.Allocator
	mem   Memory
	arch  Arch

	once   sync.Once
	kernel *RootTable

	mu          sync.Mutex
	currentRoot addr.Phys
	haveCurrent bool
}

// NewEngine constructs an Engine. InitKernelSpace must be called once
// before any process RootTable is created.
func NewEngine(alloc *pmm.Allocator, mem Memory, arch Arch) *Engine {
	return &Engine{alloc: alloc, mem: mem, arch: arch}
}

// InitKernelSpace builds the singleton kernel RootTable. It uses
// sync.Once rather than a plain mutex so a second call is a harmless
// no-op instead of silently re-initializing the kernel half out from
// under every address space that already copied it.
func (e *Engine) InitKernelSpace() (*RootTable, error) {
	var initErr error
	e.once.Do(func() {
		rt, err := e.allocEmptyRoot()
		if err != nil {
			initErr = err
			return
		}
		e.kernel = rt
	})
	return e.kernel, initErr
}

// KernelTable returns the singleton kernel RootTable. It panics if
// InitKernelSpace has not run yet, which is a boot-sequencing bug.
func (e *Engine) KernelTable() *RootTable {
	if e.kernel == nil {
		panic("vmm: KernelTable called before InitKernelSpace")
	}
	return e.kernel
}

func (e *Engine) allocEmptyRoot() (*RootTable, error) {
	base, ok := e.alloc.AllocateRange(1, pmm.FlagKernel)
	if !ok {
		return nil, ErrOutOfMemory
	}
	// A recycled frame may hold stale entries; clear it through the
	// table view before it becomes reachable.
	*e.mem.Table(base) = Table{}
	return &RootTable{eng: e, root: base}, nil
}

// Empty allocates a fresh, all-missing root table, matching the
// collaborator contract used to build fresh process address spaces.
func (e *Engine) Empty() (*RootTable, error) {
	return e.allocEmptyRoot()
}

// NewUserRootTable builds a fresh address space: an empty user half and
// a kernel half copied from the singleton kernel table.
func (e *Engine) NewUserRootTable() (*RootTable, error) {
	rt, err := e.Empty()
	if err != nil {
		return nil, err
	}
	rt.copyKernelSpace(e.KernelTable())
	return rt, nil
}

// RootTable is a thread-owned top-level SV39 table plus every
// intermediate table its mutation has allocated.
type RootTable struct {
	eng  *Engine
	root addr.Phys
}

// Phys returns the physical address of the top-level table, the value
// that would be written into satp.
func (rt *RootTable) Phys() addr.Phys { return rt.root }

func (rt *RootTable) table() *Table {
	return rt.eng.mem.Table(rt.root)
}

// copyKernelSpace overwrites indices 256-511 from kernel and clears
// indices 0-255, establishing the invariant that every address space
// sees the same kernel mapping.
func (rt *RootTable) copyKernelSpace(kernel *RootTable) {
	dst := rt.table()
	src := kernel.table()
	for i := 0; i < 256; i++ {
		dst[i] = 0
	}
	for i := 256; i < 512; i++ {
		dst[i] = src[i]
	}
}

// levelIndex returns virt's SV39 table index at the given level (2, 1,
// or 0).
func levelIndex(virt addr.UVirt, level int) uint64 {
	vpn2, vpn1, vpn0 := virt.VPN()
	switch level {
	case 2:
		return vpn2
	case 1:
		return vpn1
	default:
		return vpn0
	}
}

// Map installs a 4 KiB leaf at virt, allocating any missing
// intermediate tables along the way. frame.Size must be Size4K: the
// walk always terminates at level 0.
func (rt *RootTable) Map(virt addr.UVirt, frame addr.Frame, rights Rights, flags Flags) error {
	if frame.Size != addr.Size4K {
		panic("vmm: Map only installs 4 KiB leaves")
	}
	if !virt.IsPageAligned() {
		panic("vmm: Map virt must be page-aligned")
	}

	table := rt.table()
	for level := 2; level >= 1; level-- {
		idx := levelIndex(virt, level)
		entry := table[idx]
		switch {
		case !entry.IsValid():
			childFrame, ok := rt.eng.alloc.AllocateRange(1, pmm.FlagKernel)
			if !ok {
				return ErrOutOfMemory
			}
			child := rt.eng.mem.Table(childFrame)
			*child = Table{}
			table[idx] = newTablePTE(childFrame)
			table = child
		case entry.IsLeaf():
			return ErrAlreadyMapped
		default:
			table = rt.eng.mem.Table(entry.Frame())
		}
	}

	idx := levelIndex(virt, 0)
	if table[idx].IsValid() {
		return ErrAlreadyMapped
	}
	table[idx] = newPTE(frame.Base, rights, flags, 0)
	// Transitioning missing -> present needs no TLB flush.
	return nil
}

// Unmap walks to the level-0 leaf at virt, clears it, and returns the
// frame it referenced.
func (rt *RootTable) Unmap(virt addr.UVirt) (addr.Frame, error) {
	if !virt.IsPageAligned() {
		panic("vmm: Unmap virt must be page-aligned")
	}

	table := rt.table()
	for level := 2; level >= 1; level-- {
		idx := levelIndex(virt, level)
		entry := table[idx]
		if !entry.IsValid() {
			return addr.Frame{}, ErrNotMapped
		}
		if entry.IsLeaf() {
			return addr.Frame{}, ErrUnsupportedFrameSize
		}
		table = rt.eng.mem.Table(entry.Frame())
	}

	idx := levelIndex(virt, 0)
	entry := table[idx]
	if !entry.IsValid() {
		return addr.Frame{}, ErrNotMapped
	}
	if !entry.IsLeaf() {
		return addr.Frame{}, ErrUnsupportedFrameSize
	}
	frame, err := addr.NewFrame(entry.Frame(), addr.Size4K)
	if err != nil {
		panic(err)
	}
	table[idx] = 0
	rt.eng.arch.FlushTLBPage(virt)
	return frame, nil
}

// Translate walks the page table read-only and returns the physical
// address and rights of the leaf mapping virt, without allocating
// anything along the way. It is the lookup a real SV39 table walk
// performs when hardware resolves a user address; the gated user-copy
// routines in internal/syscall use it in place of a hardware page-walk
// unit.
func (rt *RootTable) Translate(virt addr.UVirt) (addr.Phys, Rights, error) {
	table := rt.table()
	for level := 2; level >= 1; level-- {
		idx := levelIndex(virt, level)
		entry := table[idx]
		if !entry.IsValid() {
			return 0, 0, ErrNotMapped
		}
		if entry.IsLeaf() {
			return 0, 0, ErrUnsupportedFrameSize
		}
		table = rt.eng.mem.Table(entry.Frame())
	}

	idx := levelIndex(virt, 0)
	entry := table[idx]
	if !entry.IsValid() {
		return 0, 0, ErrNotMapped
	}
	if !entry.IsLeaf() {
		return 0, 0, ErrUnsupportedFrameSize
	}
	pageOffset := uint64(virt) & (addr.PageSize - 1)
	phys, err := entry.Frame().Add(pageOffset)
	if err != nil {
		return 0, 0, err
	}
	return phys, entry.Rights(), nil
}

// unmapAll recursively frees every present non-leaf table (after
// recursing into it) and every present leaf frame reachable from
// entries, used only by Destroy.
func (rt *RootTable) unmapAll(tableFrame addr.Phys, level int) {
	t := rt.eng.mem.Table(tableFrame)
	for i := range t {
		entry := t[i]
		if !entry.IsValid() {
			continue
		}
		if entry.IsLeaf() {
			rt.eng.alloc.DeallocateRange(entry.Frame(), 1)
			continue
		}
		rt.unmapAll(entry.Frame(), level-1)
	}
	rt.eng.alloc.DeallocateRange(tableFrame, 1)
}

// Destroy frees every user-space intermediate table and leaf frame this
// root table owns exclusively. It first activates the kernel root
// table so the address space being destroyed is never the active one
// while its tables are being freed. Callers that tear down a thread
// must call Destroy explicitly; nothing frees a root table implicitly.
func (rt *RootTable) Destroy() {
	rt.eng.SetCurrent(rt.eng.KernelTable())

	top := rt.table()
	for i := 0; i < 256; i++ {
		entry := top[i]
		if !entry.IsValid() {
			continue
		}
		if entry.IsLeaf() {
			rt.eng.alloc.DeallocateRange(entry.Frame(), 1)
			continue
		}
		rt.unmapAll(entry.Frame(), 1)
		top[i] = 0
	}
	rt.eng.alloc.DeallocateRange(rt.root, 1)
}

// SetCurrent activates root as the hardware address space, a no-op if
// it is already active.
func (e *Engine) SetCurrent(rt *RootTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.haveCurrent && e.currentRoot == rt.root {
		return
	}
	e.arch.ActivateRootTable(rt.root)
	e.arch.FlushTLBAll()
	e.currentRoot = rt.root
	e.haveCurrent = true
}
