package trap

import (
	"strings"
	"testing"

	"kiwi/internal/addr"
	"kiwi/internal/memmap"
	"kiwi/internal/pmm"
	"kiwi/internal/vmm"
)

type fakeArch struct{}

func (fakeArch) ActivateRootTable(addr.Phys) {}
func (fakeArch) FlushTLBAll()                {}
func (fakeArch) FlushTLBPage(addr.UVirt)     {}

func testEngine(t *testing.T) *vmm.Engine {
	t.Helper()
	base := addr.Phys(0x8020_0000)
	m := memmap.Map{Regions: []memmap.Region{{Base: base, Pages: 64, Kind: memmap.Free}}}
	alloc, err := pmm.New(m, 0, nil)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	eng := vmm.NewEngine(alloc, newFakeMemory(), fakeArch{})
	if _, err := eng.InitKernelSpace(); err != nil {
		t.Fatalf("InitKernelSpace: %v", err)
	}
	return eng
}

type fakeMemory struct{ tables map[addr.Phys]*vmm.Table }

func newFakeMemory() *fakeMemory { return &fakeMemory{tables: make(map[addr.Phys]*vmm.Table)} }

func (f *fakeMemory) Table(p addr.Phys) *vmm.Table {
	t, ok := f.tables[p]
	if !ok {
		t = &vmm.Table{}
		f.tables[p] = t
	}
	return t
}

type fakeCPU struct {
	next    RawTrap
	entered int
	armed   int64
	stopped bool
}

func (c *fakeCPU) Enter(ctx *Context) RawTrap  { c.entered++; return c.next }
func (c *fakeCPU) ArmTimer(quantumNanos int64) { c.armed = quantumNanos }
func (c *fakeCPU) StopTimer()                  { c.stopped = true }

type fakeLogger struct{ lines []string }

func (l *fakeLogger) Printf(format string, args ...interface{}) {
	l.lines = append(l.lines, format)
}

type fakeDispatcher struct{ resume Resume }

func (d fakeDispatcher) Dispatch(t *Thread, raw RawTrap) Resume { return d.resume }

func TestCreateSetsEntryAndStack(t *testing.T) {
	eng := testEngine(t)
	th, err := Create(eng, 0x1000, 0x2000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if th.Context.IP != 0x1000 {
		t.Fatalf("IP = %#x, want 0x1000", th.Context.IP)
	}
	if th.Context.StackPointer() != 0x2000 {
		t.Fatalf("StackPointer = %#x, want 0x2000", th.Context.StackPointer())
	}
}

func TestClassifySyscall(t *testing.T) {
	raw := RawTrap{Scause: causeEnvCallFromU}
	if raw.Classify() != Syscall {
		t.Fatalf("Classify = %v, want Syscall", raw.Classify())
	}
}

func TestClassifyInterruptAndTimer(t *testing.T) {
	raw := RawTrap{Scause: causeInterruptBit | causeSupervisorTimer}
	if raw.Classify() != Interrupt {
		t.Fatalf("Classify = %v, want Interrupt", raw.Classify())
	}
	if !raw.IsSupervisorTimer() {
		t.Fatalf("IsSupervisorTimer = false, want true")
	}
}

func TestClassifyException(t *testing.T) {
	raw := RawTrap{Scause: 13} // load page fault, neither interrupt nor ecall
	if raw.Classify() != Exception {
		t.Fatalf("Classify = %v, want Exception", raw.Classify())
	}
}

func TestHandleExceptionReturnsFaultAndLogs(t *testing.T) {
	log := &fakeLogger{}
	r := HandleException(RawTrap{Scause: 13, Stval: 0xdead, Sepc: 0x1000}, log)
	if !r.IsFault() {
		t.Fatalf("Resume = %v, want Fault", r)
	}
	if len(log.lines) != 1 {
		t.Fatalf("expected one log line, got %d", len(log.lines))
	}
}

func TestHandleInterruptTimerStopsAndYields(t *testing.T) {
	cpu := &fakeCPU{}
	log := &fakeLogger{}
	r := HandleInterrupt(RawTrap{Scause: causeInterruptBit | causeSupervisorTimer}, cpu, log)
	if !r.IsYield() {
		t.Fatalf("Resume = %v, want Yield", r)
	}
	if !cpu.stopped {
		t.Fatalf("expected StopTimer to be called")
	}
}

func TestHandleInterruptOtherContinuesAndWarns(t *testing.T) {
	cpu := &fakeCPU{}
	log := &fakeLogger{}
	r := HandleInterrupt(RawTrap{Scause: causeInterruptBit | 1}, cpu, log)
	if !r.IsContinue() {
		t.Fatalf("Resume = %v, want Continue", r)
	}
	if len(log.lines) != 1 {
		t.Fatalf("expected a warning to be logged")
	}
}

func TestHandleSyscallDelegatesToDispatcher(t *testing.T) {
	eng := testEngine(t)
	th, err := Create(eng, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d := fakeDispatcher{resume: Terminate(7)}
	r := HandleSyscall(th, RawTrap{Scause: causeEnvCallFromU}, d)
	if !r.IsTerminate() || r.ExitCode() != 7 {
		t.Fatalf("Resume = %v, want Terminate(7)", r)
	}
}

func TestExecuteActivatesRootAndRunsTrampoline(t *testing.T) {
	eng := testEngine(t)
	th, err := Create(eng, 0x1000, 0x2000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cpu := &fakeCPU{next: RawTrap{Scause: causeEnvCallFromU}}
	raw := Execute(th, eng, cpu)
	if cpu.entered != 1 {
		t.Fatalf("Enter called %d times, want 1", cpu.entered)
	}
	if raw.Classify() != Syscall {
		t.Fatalf("Execute returned Classify = %v, want Syscall", raw.Classify())
	}
}

func TestResumeStringers(t *testing.T) {
	cases := []struct {
		r    Resume
		want string
	}{
		{Continue, "Continue"},
		{Yield, "Yield"},
		{Terminate(0), "Terminate"},
		{Fault, "Fault"},
	}
	for _, c := range cases {
		if got := c.r.String(); got != c.want {
			t.Fatalf("String() = %q, want %q", got, c.want)
		}
	}
}

func TestDebugLoggerLinesContainCause(t *testing.T) {
	log := &fakeLogger{}
	HandleException(RawTrap{Scause: 0x42}, log)
	if !strings.Contains(log.lines[0], "scause") {
		t.Fatalf("log line %q missing scause", log.lines[0])
	}
}
