// Package trap implements the per-thread register context,
// the thread type pairing it with a page-table root, and the
// execute-until-trap step that activates an address space, hands
// control to user mode, and classifies whatever caused control to
// return to the kernel.
package trap

import "kiwi/internal/vmm"

// spRegisterIndex is the Context.GPR slot holding the RISC-V stack
// pointer (x2). GPR[i] holds architectural register x(i+1); x0 is
// hardwired zero and is not stored.
const spRegisterIndex = 1

// Context holds the 31 general-purpose registers (x1-x31), supervisor
// status, the instruction pointer, and one scratch word used by the
// trap-entry trampoline to swap in the kernel stack pointer.
type Context struct {
	GPR    [31]uint64
	Status uint64
	IP     uint64
	// Scratch is swapped in by the trampoline on trap entry and holds
	// the kernel stack pointer for the duration of user execution.
	Scratch uint64
}

// SetStackPointer sets the user stack pointer (x2) in the context.
func (c *Context) SetStackPointer(sp uint64) {
	c.GPR[spRegisterIndex] = sp
}

// StackPointer reads the user stack pointer (x2).
func (c *Context) StackPointer() uint64 {
	return c.GPR[spRegisterIndex]
}

// Thread is a register context plus its owned address space.
// RootTable is always non-nil: Create
// builds a fresh one.
type Thread struct {
	Context   Context
	RootTable *vmm.RootTable
}

// Create builds a thread with an empty user address space (kernel half
// copied from the engine's singleton kernel table) and sets the entry
// point and stack pointer in its context.
func Create(eng *vmm.Engine, ip, sp uint64) (*Thread, error) {
	root, err := eng.NewUserRootTable()
	if err != nil {
		return nil, err
	}
	t := &Thread{RootTable: root}
	t.Context.IP = ip
	t.Context.SetStackPointer(sp)
	return t, nil
}
