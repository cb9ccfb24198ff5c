// Package pmm implements the frame allocator: one record per RAM page
// in a flat directory indexed from the RAM base, linear first-fit
// allocation of single frames or contiguous runs, and optional zeroing
// of a fresh run through a kernel-virtual view. A single mutex guards
// the directory; every entry is in exactly one of the three states
// Free, Kernel, or Firmware.
package pmm

import (
	"fmt"
	"sync"

	"kiwi/internal/addr"
	"kiwi/internal/memmap"
)

// State is the single state a directory entry holds at any time:
// exactly one of {Free, Kernel, Firmware} holds at any time.
type State uint8

const (
	StateFree State = iota
	StateKernel
	StateFirmware
)

// AllocFlags requests properties of a freshly allocated run.
type AllocFlags uint8

const (
	// FlagKernel requests a Kernel-marked run. Every allocated run
	// becomes Kernel whether or not this flag is set, since the
	// directory has no other non-Free, non-Firmware state.
	FlagKernel AllocFlags = 1 << iota
	// FlagZeroed zeroes the allocated run through the kernel-virtual
	// identity view.
	FlagZeroed
)

// Zeroer writes zero bytes across a physical range through whatever
// view the caller has of memory. In a freestanding build this is the
// kernel identity window;
// tests inject a fake backed by a Go byte slice, since poking the real
// identity-mapped addresses computed by internal/addr is not meaningful
// inside a hosted test process.
type Zeroer interface {
	ZeroRange(base addr.Phys, length uint64) error
}

// record is one frame directory entry.
type record struct {
	state State
}

// Allocator is the process-wide frame allocator. All exported methods
// are synchronous and take a single mutex; there is no async path.
type Allocator struct {
	mu      sync.Mutex
	dir     []record
	ramBase addr.Phys
	zero    Zeroer
}

// New builds a frame directory from a boot memory map: every page in a
// Free region starts Free, the first firmwareBytes of RAM starts
// Firmware, and everything else starts Kernel.
func New(m memmap.Map, firmwareBytes uint64, zero Zeroer) (*Allocator, error) {
	start, ok := m.RAMStart()
	if !ok {
		return nil, fmt.Errorf("pmm: memory map has no Free region")
	}
	end, _ := m.RAMEnd()
	span := uint64(end) - uint64(start)
	if span == 0 || span%addr.PageSize != 0 {
		return nil, fmt.Errorf("pmm: RAM span %#x is not page-aligned", span)
	}

	a := &Allocator{
		dir:     make([]record, span/addr.PageSize),
		ramBase: start,
		zero:    zero,
	}
	for i := range a.dir {
		a.dir[i].state = StateKernel
	}
	for _, r := range m.Regions {
		if r.Kind != memmap.Free {
			continue
		}
		lo := (uint64(r.Base) - uint64(start)) / addr.PageSize
		hi := lo + r.Pages
		for i := lo; i < hi; i++ {
			a.dir[i].state = StateFree
		}
	}

	firmwarePages := firmwareBytes / addr.PageSize
	for i := uint64(0); i < firmwarePages && i < uint64(len(a.dir)); i++ {
		a.dir[i].state = StateFirmware
	}

	return a, nil
}

// RAMBase returns the physical base address the directory is indexed
// from.
func (a *Allocator) RAMBase() addr.Phys { return a.ramBase }

// NumFrames returns the number of 4 KiB frames tracked.
func (a *Allocator) NumFrames() int { return len(a.dir) }

func (a *Allocator) baseOf(idx int) addr.Phys {
	return addr.Phys(uint64(a.ramBase) + uint64(idx)*addr.PageSize)
}

func (a *Allocator) idxOf(base addr.Phys) int {
	return int((uint64(base) - uint64(a.ramBase)) / addr.PageSize)
}

// StateAt reports the current state of the frame containing p, for
// tests and invariant checks.
func (a *Allocator) StateAt(p addr.Phys) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.idxOf(p)
	if idx < 0 || idx >= len(a.dir) {
		return 0, fmt.Errorf("pmm: address %#x outside directory", p)
	}
	return a.dir[idx].state, nil
}

// AllocateRange performs a linear first-fit search for count
// consecutive Free entries, flips them to Kernel (with or without
// FlagKernel), and zeroes them if FlagZeroed is set.
// It returns false if no run of that length is free; the lowest-address
// run wins ties.
func (a *Allocator) AllocateRange(count int, flags AllocFlags) (addr.Phys, bool) {
	if count <= 0 {
		panic("pmm: AllocateRange count must be positive")
	}

	a.mu.Lock()
	start := -1
	run := 0
	for i, rec := range a.dir {
		if rec.state == StateFree {
			if run == 0 {
				start = i
			}
			run++
			if run == count {
				break
			}
		} else {
			run = 0
			start = -1
		}
	}
	if run < count {
		a.mu.Unlock()
		return 0, false
	}

	// Every allocated frame leaves the Free state; an allocation not
	// explicitly flagged Kernel still becomes Kernel-owned bookkeeping
	// (Firmware is set only by Init).
	for i := start; i < start+count; i++ {
		a.dir[i].state = StateKernel
	}
	base := a.baseOf(start)
	a.mu.Unlock()

	if flags&FlagZeroed != 0 {
		if a.zero == nil {
			panic("pmm: FlagZeroed requested with no Zeroer configured")
		}
		if err := a.zero.ZeroRange(base, uint64(count)*addr.PageSize); err != nil {
			panic(fmt.Sprintf("pmm: zeroing allocated range: %v", err))
		}
	}
	return base, true
}

// AllocateFrame allocates a single 4 KiB frame.
func (a *Allocator) AllocateFrame(flags AllocFlags) (addr.Phys, bool) {
	return a.AllocateRange(1, flags)
}

// DeallocateRange restores count frames starting at base to Free. base
// must be page-aligned, the whole range must lie inside the directory,
// and every entry must currently be non-Free; any violation is a
// programming error and panics, since misuse of address invariants is
// never a recoverable runtime condition.
func (a *Allocator) DeallocateRange(base addr.Phys, count int) {
	if !base.IsPageAligned() {
		panic("pmm: DeallocateRange base is not page-aligned")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.idxOf(base)
	if idx < 0 || idx+count > len(a.dir) {
		panic("pmm: DeallocateRange range outside directory")
	}
	for i := idx; i < idx+count; i++ {
		if a.dir[i].state == StateFree {
			panic("pmm: DeallocateRange double free")
		}
	}
	for i := idx; i < idx+count; i++ {
		a.dir[i].state = StateFree
	}
}
