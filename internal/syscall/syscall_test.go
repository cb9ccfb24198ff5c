package syscall

import (
	"testing"

	"kiwi/internal/addr"
	"kiwi/internal/executor"
	"kiwi/internal/ipc"
	"kiwi/internal/kconfig"
	"kiwi/internal/kerr"
	"kiwi/internal/memmap"
	"kiwi/internal/pmm"
	"kiwi/internal/trap"
	"kiwi/internal/vmm"
)

// fakeMemory backs Memory with a map from page-aligned physical base to
// a byte slice, the same in-process substitution internal/pmm and
// internal/vmm tests use for their own Zeroer/Memory collaborators.
type fakeMemory struct {
	pages map[addr.Phys][]byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{pages: make(map[addr.Phys][]byte)} }

func (f *fakeMemory) pageFor(p addr.Phys) []byte {
	base := p.PageAlignDown()
	buf, ok := f.pages[base]
	if !ok {
		buf = make([]byte, addr.PageSize)
		f.pages[base] = buf
	}
	return buf
}

func (f *fakeMemory) ReadAt(p addr.Phys, buf []byte) error {
	page := f.pageFor(p)
	off := int(uint64(p) & (addr.PageSize - 1))
	copy(buf, page[off:off+len(buf)])
	return nil
}

func (f *fakeMemory) WriteAt(p addr.Phys, buf []byte) error {
	page := f.pageFor(p)
	off := int(uint64(p) & (addr.PageSize - 1))
	copy(page[off:off+len(buf)], buf)
	return nil
}

type fakeTableMemory struct {
	tables map[addr.Phys]*vmm.Table
}

func newFakeTableMemory() *fakeTableMemory {
	return &fakeTableMemory{tables: make(map[addr.Phys]*vmm.Table)}
}

func (f *fakeTableMemory) Table(p addr.Phys) *vmm.Table {
	t, ok := f.tables[p]
	if !ok {
		t = &vmm.Table{}
		f.tables[p] = t
	}
	return t
}

type fakeArch struct{}

func (fakeArch) ActivateRootTable(addr.Phys) {}
func (fakeArch) FlushTLBAll()                {}
func (fakeArch) FlushTLBPage(addr.UVirt)     {}

type fakeGateArch struct{ allowed bool }

func (g *fakeGateArch) AllowUserPageAccess()    { g.allowed = true }
func (g *fakeGateArch) ForbidUserPageAccess()   { g.allowed = false }
func (g *fakeGateArch) DisableInterrupts() bool { return false }
func (g *fakeGateArch) RestoreInterrupts(bool)  {}

type fakeConsole struct{ written []byte }

func (c *fakeConsole) Write(p []byte) (int, error) {
	c.written = append(c.written, p...)
	return len(p), nil
}

// testHarness wires a frame allocator, a kernel address-space engine,
// a user-page gate, and an IPC layer so syscall tests exercise real
// page-table translation instead of stubbing Translate directly.
type testHarness struct {
	t       *testing.T
	eng     *vmm.Engine
	alloc   *pmm.Allocator
	mem     *fakeMemory
	gate    *vmm.Gate
	k       *ipc.IPC
	cfg     kconfig.Config
	console *fakeConsole
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	base := addr.Phys(0x8020_0000)
	m := memmap.Map{Regions: []memmap.Region{{Base: base, Pages: 256, Kind: memmap.Free}}}
	alloc, err := pmm.New(m, 0, nil)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	eng := vmm.NewEngine(alloc, newFakeTableMemory(), fakeArch{})
	if _, err := eng.InitKernelSpace(); err != nil {
		t.Fatalf("InitKernelSpace: %v", err)
	}
	return &testHarness{
		t: t, eng: eng, alloc: alloc,
		mem:     newFakeMemory(),
		gate:    vmm.NewGate(&fakeGateArch{}),
		k:       ipc.New(),
		cfg:     kconfig.Default(),
		console: &fakeConsole{},
	}
}

func (h *testHarness) newThread() *trap.Thread {
	h.t.Helper()
	th, err := trap.Create(h.eng, 0x1000, 0x2000)
	if err != nil {
		h.t.Fatalf("trap.Create: %v", err)
	}
	return th
}

func mustUVirt(t *testing.T, raw uint64) addr.UVirt {
	t.Helper()
	u, err := addr.NewUVirt(raw)
	if err != nil {
		t.Fatalf("NewUVirt(%#x): %v", raw, err)
	}
	return u
}

// mapUserPage installs one RWU 4 KiB leaf at virt in root, optionally
// seeding it with the given bytes, and returns the physical address
// backing virt so the test can read/write it directly through
// fakeMemory.
func (h *testHarness) mapUserPage(root *vmm.RootTable, virt uint64, seed []byte) addr.Phys {
	h.t.Helper()
	uv := mustUVirt(h.t, virt)
	base, ok := h.alloc.AllocateRange(1, pmm.FlagKernel)
	if !ok {
		h.t.Fatalf("AllocateRange failed")
	}
	frame, err := addr.NewFrame(base, addr.Size4K)
	if err != nil {
		h.t.Fatalf("NewFrame: %v", err)
	}
	if err := root.Map(uv, frame, vmm.R|vmm.W|vmm.U, 0); err != nil {
		h.t.Fatalf("Map: %v", err)
	}
	phys, _, err := root.Translate(uv)
	if err != nil {
		h.t.Fatalf("Translate: %v", err)
	}
	if seed != nil {
		if err := h.mem.WriteAt(phys, seed); err != nil {
			h.t.Fatalf("seed WriteAt: %v", err)
		}
	}
	return phys
}

func putU64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

func getU64(buf []byte, off int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[off+i]) << (8 * i)
	}
	return v
}

// runSyscall builds a task whose body issues exactly one syscall
// through a Dispatcher bound to that task's own Yielder/Waker (mirrors
// how executor.ThreadLoop.NewDispatcher binds one per task), and drains
// the executor until the task either finishes or would block forever.
func runSyscall(t *testing.T, h *testHarness, taskID ipc.TaskID, raw trap.RawTrap, th *trap.Thread) trap.Resume {
	t.Helper()
	e := executor.New()
	h.k.CreateTaskSet(taskID)

	var resume trap.Resume
	e.Spawn(func(y executor.Yielder) {
		d := &Dispatcher{
			TaskID: taskID, Gate: h.gate, Memory: h.mem, IPC: h.k,
			Console: h.console, Cfg: h.cfg, Y: y, Self: e.Waker(0),
		}
		resume = d.Dispatch(th, raw)
	})
	for i := 0; i < 50 && !e.Idle(); i++ {
		e.RunOnce()
	}
	return resume
}

func TestNopReturnsZeroAndContinues(t *testing.T) {
	h := newHarness(t)
	th := h.newThread()
	resume := runSyscall(t, h, 1, trap.RawTrap{SyscallID: Nop}, th)
	if !resume.IsContinue() {
		t.Fatalf("resume = %v, want Continue", resume)
	}
	if th.Context.GPR[a0Index] != 0 {
		t.Fatalf("a0 = %d, want 0", th.Context.GPR[a0Index])
	}
}

func TestTaskExitReturnsTerminateWithCode(t *testing.T) {
	h := newHarness(t)
	th := h.newThread()
	raw := trap.RawTrap{SyscallID: TaskExit, SyscallArgs: [6]uint64{7}}
	resume := runSyscall(t, h, 1, raw, th)
	if !resume.IsTerminate() || resume.ExitCode() != 7 {
		t.Fatalf("resume = %v, want Terminate(7)", resume)
	}
}

func TestTaskYieldReturnsYield(t *testing.T) {
	h := newHarness(t)
	th := h.newThread()
	resume := runSyscall(t, h, 1, trap.RawTrap{SyscallID: TaskYield}, th)
	if !resume.IsYield() {
		t.Fatalf("resume = %v, want Yield", resume)
	}
}

func TestServiceUnregisterReturnsNotImplemented(t *testing.T) {
	h := newHarness(t)
	th := h.newThread()
	resume := runSyscall(t, h, 1, trap.RawTrap{SyscallID: ServiceUnregister}, th)
	if !resume.IsContinue() {
		t.Fatalf("resume = %v, want Continue", resume)
	}
	if int64(th.Context.GPR[a0Index]) != kerr.NotImplemented.Syscall() {
		t.Fatalf("a0 = %d, want %d (NotImplemented)", int64(th.Context.GPR[a0Index]), kerr.NotImplemented.Syscall())
	}
}

func TestServiceRegisterAndConnectRoundTrip(t *testing.T) {
	h := newHarness(t)
	th := h.newThread()

	const namePtr = 0x2000
	name := "disk"
	h.mapUserPage(th.RootTable, namePtr, []byte(name))

	raw := trap.RawTrap{SyscallID: ServiceRegister, SyscallArgs: [6]uint64{namePtr, uint64(len(name))}}
	resume := runSyscall(t, h, 5, raw, th)
	if !resume.IsContinue() {
		t.Fatalf("resume = %v, want Continue", resume)
	}
	if ret := int64(th.Context.GPR[a0Index]); ret != 0 {
		t.Fatalf("ServiceRegister a0 = %d, want 0", ret)
	}

	th2 := h.newThread()
	h.mapUserPage(th2.RootTable, namePtr, []byte(name))
	raw2 := trap.RawTrap{SyscallID: ServiceConnect, SyscallArgs: [6]uint64{namePtr, uint64(len(name))}}
	resume2 := runSyscall(t, h, 9, raw2, th2)
	if !resume2.IsContinue() {
		t.Fatalf("resume = %v, want Continue", resume2)
	}
	if got := int64(th2.Context.GPR[a0Index]); got != 5 {
		t.Fatalf("ServiceConnect a0 = %d, want 5 (registrant's task id)", got)
	}
}

func TestServiceRegisterBadNameOverLength(t *testing.T) {
	h := newHarness(t)
	th := h.newThread()
	raw := trap.RawTrap{SyscallID: ServiceRegister, SyscallArgs: [6]uint64{0x2000, uint64(h.cfg.MaxServiceName) + 1}}
	resume := runSyscall(t, h, 1, raw, th)
	if !resume.IsContinue() {
		t.Fatalf("resume = %v, want Continue", resume)
	}
	if int64(th.Context.GPR[a0Index]) != kerr.BadName.Syscall() {
		t.Fatalf("a0 = %d, want %d (BadName)", int64(th.Context.GPR[a0Index]), kerr.BadName.Syscall())
	}
}

func TestServiceConnectNotFound(t *testing.T) {
	h := newHarness(t)
	th := h.newThread()
	const namePtr = 0x2000
	h.mapUserPage(th.RootTable, namePtr, []byte("nope"))
	raw := trap.RawTrap{SyscallID: ServiceConnect, SyscallArgs: [6]uint64{namePtr, 4}}
	runSyscall(t, h, 1, raw, th)
	if int64(th.Context.GPR[a0Index]) != kerr.ServiceNotFound.Syscall() {
		t.Fatalf("a0 = %d, want %d (ServiceNotFound)", int64(th.Context.GPR[a0Index]), kerr.ServiceNotFound.Syscall())
	}
}

func TestDebugWriteForwardsToConsole(t *testing.T) {
	h := newHarness(t)
	th := h.newThread()
	const ptr = 0x3000
	msg := "hello kernel"
	h.mapUserPage(th.RootTable, ptr, []byte(msg))

	raw := trap.RawTrap{SyscallID: DebugWrite, SyscallArgs: [6]uint64{ptr, uint64(len(msg))}}
	resume := runSyscall(t, h, 1, raw, th)
	if !resume.IsContinue() {
		t.Fatalf("resume = %v, want Continue", resume)
	}
	if int64(th.Context.GPR[a0Index]) != int64(len(msg)) {
		t.Fatalf("a0 = %d, want %d", th.Context.GPR[a0Index], len(msg))
	}
	if string(h.console.written) != msg {
		t.Fatalf("console got %q, want %q", h.console.written, msg)
	}
}

func TestDebugWriteClampsToMaxDebugWrite(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxDebugWrite = 4
	th := h.newThread()
	const ptr = 0x3000
	h.mapUserPage(th.RootTable, ptr, []byte("hello kernel"))

	raw := trap.RawTrap{SyscallID: DebugWrite, SyscallArgs: [6]uint64{ptr, 12}}
	runSyscall(t, h, 1, raw, th)
	if len(h.console.written) != 4 {
		t.Fatalf("console got %d bytes, want 4 (clamped)", len(h.console.written))
	}
}

func TestUnknownSyscallReturnsAllOnesAndContinues(t *testing.T) {
	h := newHarness(t)
	th := h.newThread()
	resume := runSyscall(t, h, 1, trap.RawTrap{SyscallID: 12345}, th)
	if !resume.IsContinue() {
		t.Fatalf("resume = %v, want Continue", resume)
	}
	if int64(th.Context.GPR[a0Index]) != -1 {
		t.Fatalf("a0 = %d, want -1 (all bits set)", int64(th.Context.GPR[a0Index]))
	}
}

// TestIpcSendReceiveReplyThroughSyscalls drives the full rendezvous
// through the syscall layer end to end:
// alpha's IpcSend, beta's IpcReceive then IpcReply, reading and writing
// only through the wire layout syscalls use, never the ipc package's Go
// API directly.
func TestIpcSendReceiveReplyThroughSyscalls(t *testing.T) {
	h := newHarness(t)

	betaTh := h.newThread()
	alphaTh := h.newThread()

	const msgPtr = 0x4000
	const replyPtr = 0x5000
	payload := "Hello, world!"

	h.mapUserPage(betaTh.RootTable, msgPtr, nil)
	h.mapUserPage(betaTh.RootTable, replyPtr, nil)

	outgoing := make([]byte, messageWireSize)
	putU64(outgoing, 8, 2) // receiver = beta's task id
	putU64(outgoing, 16, 42)
	putU64(outgoing, 24, uint64(len(payload)))
	copy(outgoing[32:], payload)
	h.mapUserPage(alphaTh.RootTable, msgPtr, outgoing)
	h.mapUserPage(alphaTh.RootTable, replyPtr, nil)

	e := executor.New()
	h.k.CreateTaskSet(1) // alpha
	h.k.CreateTaskSet(2) // beta

	var alphaA0 int64

	e.Spawn(func(y executor.Yielder) {
		d := &Dispatcher{TaskID: 2, Gate: h.gate, Memory: h.mem, IPC: h.k, Console: h.console, Cfg: h.cfg, Y: y, Self: e.Waker(0)}
		d.Dispatch(betaTh, trap.RawTrap{SyscallID: IpcReceive, SyscallArgs: [6]uint64{msgPtr}})

		got := make([]byte, messageWireSize)
		betaPhysMsg, _, err := betaTh.RootTable.Translate(mustUVirt(t, msgPtr))
		if err != nil {
			t.Fatalf("Translate: %v", err)
		}
		if err := h.mem.ReadAt(betaPhysMsg, got); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		sender := getU64(got, 0)

		replyBuf := make([]byte, replyWireSize)
		putU64(replyBuf, 0, 42)
		putU64(replyBuf, 8, uint64(len(payload)))
		copy(replyBuf[16:], payload)
		betaPhysReply, _, err := betaTh.RootTable.Translate(mustUVirt(t, replyPtr))
		if err != nil {
			t.Fatalf("Translate: %v", err)
		}
		if err := h.mem.WriteAt(betaPhysReply, replyBuf); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}

		d.Dispatch(betaTh, trap.RawTrap{SyscallID: IpcReply, SyscallArgs: [6]uint64{sender, replyPtr}})
	})

	e.Spawn(func(y executor.Yielder) {
		d := &Dispatcher{TaskID: 1, Gate: h.gate, Memory: h.mem, IPC: h.k, Console: h.console, Cfg: h.cfg, Y: y, Self: e.Waker(1)}
		d.Dispatch(alphaTh, trap.RawTrap{SyscallID: IpcSend, SyscallArgs: [6]uint64{msgPtr, replyPtr}})
		alphaA0 = int64(alphaTh.Context.GPR[a0Index])
	})

	for i := 0; i < 50 && !e.Idle(); i++ {
		e.RunOnce()
	}

	if alphaA0 != 0 {
		t.Fatalf("alpha's IpcSend a0 = %d, want 0", alphaA0)
	}

	alphaPhysReply, _, err := alphaTh.RootTable.Translate(mustUVirt(t, replyPtr))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	gotReply := make([]byte, replyWireSize)
	if err := h.mem.ReadAt(alphaPhysReply, gotReply); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if status := getU64(gotReply, 0); status != 42 {
		t.Fatalf("reply status = %d, want 42", status)
	}
	n := getU64(gotReply, 8)
	if string(gotReply[16:16+n]) != payload {
		t.Fatalf("reply payload = %q, want %q", gotReply[16:16+n], payload)
	}
}

func TestIpcSendToNonexistentTaskReturnsErrorWithoutFault(t *testing.T) {
	h := newHarness(t)
	alphaTh := h.newThread()
	const msgPtr = 0x4000
	const replyPtr = 0x5000

	outgoing := make([]byte, messageWireSize)
	putU64(outgoing, 8, 999) // no such receiver
	h.mapUserPage(alphaTh.RootTable, msgPtr, outgoing)
	h.mapUserPage(alphaTh.RootTable, replyPtr, nil)

	raw := trap.RawTrap{SyscallID: IpcSend, SyscallArgs: [6]uint64{msgPtr, replyPtr}}
	resume := runSyscall(t, h, 1, raw, alphaTh)
	if !resume.IsContinue() {
		t.Fatalf("resume = %v, want Continue", resume)
	}
	if int64(alphaTh.Context.GPR[a0Index]) != kerr.TaskDoesNotExist.Syscall() {
		t.Fatalf("a0 = %d, want %d (TaskDoesNotExist)", int64(alphaTh.Context.GPR[a0Index]), kerr.TaskDoesNotExist.Syscall())
	}
}

func TestDebugWriteUnmappedPointerFaults(t *testing.T) {
	h := newHarness(t)
	th := h.newThread()
	raw := trap.RawTrap{SyscallID: DebugWrite, SyscallArgs: [6]uint64{0x9000, 4}}
	resume := runSyscall(t, h, 1, raw, th)
	if !resume.IsFault() {
		t.Fatalf("resume = %v, want Fault", resume)
	}
}
