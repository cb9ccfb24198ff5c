package syscall

import (
	"errors"

	"kiwi/internal/addr"
	"kiwi/internal/vmm"
)

// Memory reads and writes physical memory byte ranges. It plays the
// same collaborator role pmm.Zeroer plays for frame zeroing
// (internal/pmm), generalized from "zero this run" to "copy these
// bytes." A freestanding build backs this
// with the kernel identity window; tests back it with a plain Go byte
// slice.
type Memory interface {
	ReadAt(p addr.Phys, buf []byte) error
	WriteAt(p addr.Phys, buf []byte) error
}

// ErrPageFault is the sentinel userCopy/CopyIn/CopyOut return when a
// user address inside an otherwise in-range pointer turns out to be
// unmapped or lacking the needed right. A page fault during a gated
// user copy terminates the faulting user task, not the kernel — callers
// translate this into trap.Fault rather than a syscall return code.
var ErrPageFault = errors.New("syscall: user page fault during gated copy")

// userCopy walks start..start+len(buf), page by page, translating each
// page through root and calling fn with the physical address and the
// slice of buf that page covers. The caller must already hold the
// gate; userCopy brackets nothing itself (the gate, not each
// page, is what gets opened and closed around a copy).
func userCopy(root *vmm.RootTable, start addr.UVirt, buf []byte, needWrite bool, fn func(phys addr.Phys, chunk []byte) error) error {
	if _, err := start.Add(uint64(len(buf))); err != nil {
		return err
	}

	off := 0
	for off < len(buf) {
		virt, err := start.Add(uint64(off))
		if err != nil {
			return err
		}
		phys, rights, err := root.Translate(virt)
		if err != nil {
			return ErrPageFault
		}
		if rights&vmm.U == 0 || rights&vmm.R == 0 {
			return ErrPageFault
		}
		if needWrite && rights&vmm.W == 0 {
			return ErrPageFault
		}

		pageOff := uint64(virt) & (addr.PageSize - 1)
		n := addr.PageSize - int(pageOff)
		if remaining := len(buf) - off; n > remaining {
			n = remaining
		}
		if err := fn(phys, buf[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// CopyIn reads len(buf) bytes from the user address start into buf,
// bracketed by gate.WithUserAccess. No kernel code touches user memory
// outside these two routines.
func CopyIn(gate *vmm.Gate, root *vmm.RootTable, mem Memory, start addr.UVirt, buf []byte) error {
	return gate.WithUserAccess(func() error {
		return userCopy(root, start, buf, false, func(phys addr.Phys, chunk []byte) error {
			return mem.ReadAt(phys, chunk)
		})
	})
}

// CopyOut writes buf to the user address start, bracketed by
// gate.WithUserAccess.
func CopyOut(gate *vmm.Gate, root *vmm.RootTable, mem Memory, start addr.UVirt, buf []byte) error {
	return gate.WithUserAccess(func() error {
		return userCopy(root, start, buf, true, func(phys addr.Phys, chunk []byte) error {
			return mem.WriteAt(phys, chunk)
		})
	})
}
