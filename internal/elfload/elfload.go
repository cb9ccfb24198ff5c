// Package elfload is the ELF loader contract: a
// collaborator interface that turns a binary image into a runnable
// thread. Parsing an actual ELF file is explicitly out of scope,
// so this package only fixes the contract's shape — a real
// loader lives outside this repo and satisfies Loader the same way a
// real trap trampoline satisfies trap.CPU. Build, the one concrete
// implementation here, constructs a thread directly from a caller-
// supplied segment list, the same "skip the format, keep the
// semantics" trick internal/vmm's tests use to stand in for a page-walk
// unit.
package elfload

import (
	"fmt"

	"kiwi/internal/addr"
	"kiwi/internal/pmm"
	"kiwi/internal/trap"
	"kiwi/internal/vmm"
)

// Loader turns an opaque binary image into a runnable thread. Implementations outside this repo parse a
// real ELF file and call Build once they know entry, stack, and
// segments; this package never parses bytes itself.
type Loader interface {
	Load(image []byte) (*trap.Thread, error)
}

// Memory writes physical memory byte ranges, the same collaborator
// role internal/syscall's Memory interface plays for gated user
// copies, narrowed here to the write-only direction loading needs.
type Memory interface {
	WriteAt(p addr.Phys, buf []byte) error
}

// Segment is one loadable region of an image: Data is the file
// content, MemSize is the mapped region's true size, and any bytes
// past len(Data) are zero-filled, the standard ELF PT_LOAD semantics for .bss-style
// trailing zero pages.
type Segment struct {
	Virt    addr.UVirt
	Rights  vmm.Rights
	Data    []byte
	MemSize uint64
}

// ErrEmptySegment is returned when a segment's MemSize is smaller than
// its Data, which can never come from a well-formed image.
var ErrEmptySegment = fmt.Errorf("elfload: segment memsz smaller than filesz")

// Build maps every segment into a freshly created thread's address
// space, zero-filling each segment's memsz-filesz tail, and returns
// the thread positioned at entry with the given stack pointer. It is
// the contract every real Loader must uphold once it has parsed an
// image into segments, entry, and sp.
func Build(eng *vmm.Engine, alloc *pmm.Allocator, mem Memory, entry, sp uint64, segments []Segment) (*trap.Thread, error) {
	th, err := trap.Create(eng, entry, sp)
	if err != nil {
		return nil, err
	}

	for _, seg := range segments {
		if seg.MemSize < uint64(len(seg.Data)) {
			return nil, ErrEmptySegment
		}
		if err := mapSegment(th, alloc, mem, seg); err != nil {
			return nil, err
		}
	}
	return th, nil
}

// mapSegment maps seg page by page, each page allocated fresh, zeroed,
// then filled with whatever file bytes and zero tail fall inside it.
func mapSegment(th *trap.Thread, alloc *pmm.Allocator, mem Memory, seg Segment) error {
	base := seg.Virt.PageAlignDown()
	end := uint64(seg.Virt) + seg.MemSize

	for pageStart := base; uint64(pageStart) < end; {
		frameBase, ok := alloc.AllocateRange(1, pmm.FlagKernel)
		if !ok {
			return fmt.Errorf("elfload: out of memory mapping segment at %#x", seg.Virt)
		}
		frame, err := addr.NewFrame(frameBase, addr.Size4K)
		if err != nil {
			return err
		}
		if err := th.RootTable.Map(pageStart, frame, seg.Rights, 0); err != nil {
			return err
		}

		page := make([]byte, addr.PageSize)
		copyIntoPage(page, seg, uint64(pageStart))
		if err := mem.WriteAt(frameBase, page); err != nil {
			return err
		}

		next, err := pageStart.Add(addr.PageSize)
		if err != nil {
			break
		}
		pageStart = next
	}
	return nil
}

// copyIntoPage fills one physical page buffer with whatever slice of
// seg.Data falls within [pageVirt, pageVirt+PageSize), leaving the rest
// (including any memsz-filesz tail) zero.
func copyIntoPage(page []byte, seg Segment, pageVirt uint64) {
	segStart := uint64(seg.Virt)
	dataEnd := segStart + uint64(len(seg.Data))
	pageEnd := pageVirt + addr.PageSize

	from := pageVirt
	if from < segStart {
		from = segStart
	}
	to := pageEnd
	if to > dataEnd {
		to = dataEnd
	}
	if to <= from {
		return
	}
	copy(page[from-pageVirt:to-pageVirt], seg.Data[from-segStart:to-segStart])
}
