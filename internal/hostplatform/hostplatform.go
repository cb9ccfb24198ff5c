// Package hostplatform is the one concrete binding cmd/kiwi runs
// against for every architecture-specific collaborator this kernel
// defines (trap.CPU, vmm.Arch, vmm.GateArch, pmm.Zeroer,
// internal/syscall's Memory). It backs each with plain Go state rather
// than real supervisor-mode transitions, so the kernel runs hosted
// inside an ordinary process. A genuine riscv64 port replaces this
// package's CPU with one backed by real trap-entry assembly and leaves
// everything above trap.CPU untouched.
package hostplatform

import (
	"sync"

	"kiwi/internal/addr"
	"kiwi/internal/trap"
	"kiwi/internal/vmm"
)

// Memory is physical memory as seen by every collaborator that needs
// to read or write it: page-table storage (vmm.Memory), raw byte
// ranges (pmm.Zeroer, internal/syscall.Memory, internal/elfload.Memory).
// Table pages and data pages are tracked in separate maps because nothing
// in this kernel ever needs to read a page table's bytes as data or vice
// versa, the same split internal/vmm's and internal/syscall's own test
// fakes use.
type Memory struct {
	mu     sync.Mutex
	pages  map[addr.Phys][]byte
	tables map[addr.Phys]*vmm.Table
}

// NewMemory builds an empty hosted physical memory.
func NewMemory() *Memory {
	return &Memory{
		pages:  make(map[addr.Phys][]byte),
		tables: make(map[addr.Phys]*vmm.Table),
	}
}

func (m *Memory) pageFor(base addr.Phys) []byte {
	p, ok := m.pages[base]
	if !ok {
		p = make([]byte, addr.PageSize)
		m.pages[base] = p
	}
	return p
}

// Table implements vmm.Memory.
func (m *Memory) Table(p addr.Phys) *vmm.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[p]
	if !ok {
		t = &vmm.Table{}
		m.tables[p] = t
	}
	return t
}

// ReadAt implements the read half of internal/syscall.Memory.
func (m *Memory) ReadAt(p addr.Phys, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := p.PageAlignDown()
	off := int(uint64(p) - uint64(base))
	copy(buf, m.pageFor(base)[off:])
	return nil
}

// WriteAt implements internal/syscall.Memory and internal/elfload.Memory.
func (m *Memory) WriteAt(p addr.Phys, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := p.PageAlignDown()
	off := int(uint64(p) - uint64(base))
	copy(m.pageFor(base)[off:], buf)
	return nil
}

// ZeroRange implements pmm.Zeroer.
func (m *Memory) ZeroRange(base addr.Phys, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for off := uint64(0); off < length; off += addr.PageSize {
		pageBase := addr.Phys(uint64(base) + off)
		page := m.pageFor(pageBase.PageAlignDown())
		for i := range page {
			page[i] = 0
		}
	}
	return nil
}

// Arch implements vmm.Arch with plain counters instead of satp writes
// and sfence.vma; there is no hardware TLB to flush in a hosted kernel.
type Arch struct {
	mu        sync.Mutex
	Activated []addr.Phys
	FlushAll  int
}

func NewArch() *Arch { return &Arch{} }

func (a *Arch) ActivateRootTable(root addr.Phys) {
	a.mu.Lock()
	a.Activated = append(a.Activated, root)
	a.mu.Unlock()
}

func (a *Arch) FlushTLBAll() {
	a.mu.Lock()
	a.FlushAll++
	a.mu.Unlock()
}

func (a *Arch) FlushTLBPage(addr.UVirt) {}

// GateArch implements vmm.GateArch. Interrupts and the SUM-equivalent
// bit are both simulated booleans: there is no real CPU mode to toggle.
type GateArch struct {
	mu                sync.Mutex
	userAccessAllowed bool
	interruptsOff     bool
}

func NewGateArch() *GateArch { return &GateArch{} }

func (g *GateArch) AllowUserPageAccess() {
	g.mu.Lock()
	g.userAccessAllowed = true
	g.mu.Unlock()
}

func (g *GateArch) ForbidUserPageAccess() {
	g.mu.Lock()
	g.userAccessAllowed = false
	g.mu.Unlock()
}

func (g *GateArch) DisableInterrupts() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.interruptsOff
	g.interruptsOff = true
	return prev
}

func (g *GateArch) RestoreInterrupts(prev bool) {
	g.mu.Lock()
	g.interruptsOff = prev
	g.mu.Unlock()
}

// ScriptedCPU implements trap.CPU by replaying a fixed sequence of
// traps, one per Enter call, instead of genuinely running user-mode
// instructions — there is no RISC-V interpreter in this repo, so a
// hosted thread's "execution" is the sequence of
// syscalls its script names. Once the script is exhausted, Enter
// synthesizes a TaskExit(0) so a demo thread always terminates instead
// of looping forever.
type ScriptedCPU struct {
	mu     sync.Mutex
	script []trap.RawTrap
	pos    int
}

// NewScriptedCPU builds a CPU that plays back script in order.
func NewScriptedCPU(script []trap.RawTrap) *ScriptedCPU {
	return &ScriptedCPU{script: script}
}

const causeEnvCallFromU = 8

func (c *ScriptedCPU) Enter(ctx *trap.Context) trap.RawTrap {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos >= len(c.script) {
		return trap.RawTrap{Scause: causeEnvCallFromU, SyscallID: 1 /* TaskExit */}
	}
	raw := c.script[c.pos]
	if raw.Scause == 0 {
		raw.Scause = causeEnvCallFromU
	}
	c.pos++
	return raw
}

func (c *ScriptedCPU) ArmTimer(int64) {}
func (c *ScriptedCPU) StopTimer()     {}
