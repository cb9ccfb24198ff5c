// Command kiwi boots the microkernel: it builds the frame allocator,
// the kernel address space, the cooperative executor, and the syscall
// dispatch table, then spawns and runs threads until the executor is
// idle (no task is ready to poll). Tasks still parked on a wait queue
// at that point are not polled again.
//
// This binary runs hosted: internal/hostplatform stands in for real
// riscv64 trap-entry assembly, so "execution" of a spawned thread
// replays a fixed script of syscalls instead of running compiled user
// code. A real deployment swaps internal/hostplatform's CPU for one
// backed by the actual trampoline and feeds cmd/kiwi a real ELF image
// through internal/elfload's Loader contract; everything above that
// boundary is unchanged.
package main

import (
	"fmt"
	"os"

	"kiwi/internal/addr"
	"kiwi/internal/console"
	"kiwi/internal/diag"
	"kiwi/internal/elfload"
	"kiwi/internal/executor"
	"kiwi/internal/hostplatform"
	"kiwi/internal/ipc"
	"kiwi/internal/kconfig"
	"kiwi/internal/kheap"
	"kiwi/internal/memmap"
	"kiwi/internal/pmm"
	"kiwi/internal/stats"
	"kiwi/internal/syscall"
	"kiwi/internal/trap"
	"kiwi/internal/vmm"
)

const ramBase = addr.Phys(0x8020_0000)
const ramPages = 4096 // 16 MiB of hosted RAM

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "kiwi:", err)
		os.Exit(1)
	}
}

func main() {
	cfg := kconfig.Default()
	mem := hostplatform.NewMemory()
	arch := hostplatform.NewArch()
	cons := console.New(os.Stdout)
	klog := console.New(os.Stderr)

	m := memmap.Map{Regions: []memmap.Region{{Base: ramBase, Pages: ramPages, Kind: memmap.Free}}}
	alloc, err := pmm.New(m, cfg.FirmwareWindowBytes, mem)
	must(err)

	eng := vmm.NewEngine(alloc, mem, arch)
	_, err = eng.InitKernelSpace()
	must(err)

	gate := vmm.NewGate(hostplatform.NewGateArch())
	heap := kheap.New(alloc, cfg)
	k := ipc.New()
	exec := executor.New()

	aliceName := "diskd"
	aliceThread, err := elfload.Build(eng, alloc, mem, 0x1000, 0x9000, []elfload.Segment{
		{Virt: mustUVirt(0x2000), Rights: vmm.R | vmm.U, Data: []byte(aliceName), MemSize: uint64(len(aliceName))},
	})
	must(err)

	bobMsg := "diskd service connected\n"
	bobThread, err := elfload.Build(eng, alloc, mem, 0x1000, 0x9000, []elfload.Segment{
		{Virt: mustUVirt(0x2000), Rights: vmm.R | vmm.U, Data: []byte(aliceName), MemSize: uint64(len(aliceName))},
		{Virt: mustUVirt(0x3000), Rights: vmm.R | vmm.U, Data: []byte(bobMsg), MemSize: uint64(len(bobMsg))},
	})
	must(err)

	aliceCPU := hostplatform.NewScriptedCPU([]trap.RawTrap{
		{SyscallID: syscall.ServiceRegister, SyscallArgs: [6]uint64{0x2000, uint64(len(aliceName))}},
		{SyscallID: syscall.TaskYield},
	})
	bobCPU := hostplatform.NewScriptedCPU([]trap.RawTrap{
		{SyscallID: syscall.ServiceConnect, SyscallArgs: [6]uint64{0x2000, uint64(len(aliceName))}},
		{SyscallID: syscall.DebugWrite, SyscallArgs: [6]uint64{0x3000, uint64(len(bobMsg))}},
	})

	// The IPC identity is the executor's task id; the dispatcher factory
	// runs on the task's first poll, after Spawn has assigned it. Each
	// thread also gets a trap-entry kernel stack carved from the kernel
	// heap, stashed in the context's scratch slot for the trampoline.
	spawn := func(th *trap.Thread, cpu trap.CPU, name string) {
		const kstackBytes = 16 * 1024
		kstack, err := heap.Alloc(kstackBytes)
		must(err)
		th.Context.Scratch = uint64(kstack) + kstackBytes

		var id ipc.TaskID
		tl := &executor.ThreadLoop{
			Thread:  th,
			Engine:  eng,
			CPU:     cpu,
			Log:     klog,
			Quantum: cfg.MaxQuantum,
			NewDispatcher: func(y executor.Yielder, self executor.Waker) trap.Dispatcher {
				return syscall.NewDispatcher(id, gate, mem, k, cons, cfg)(y, self)
			},
			Executor: exec,
			OnExit: func(r trap.Resume) {
				k.DestroyTaskSet(id)
				fmt.Fprintf(os.Stdout, "%s: %s\n", name, r)
			},
		}
		id = ipc.TaskID(tl.Spawn())
		k.CreateTaskSet(id)
	}
	spawn(aliceThread, aliceCPU, "alice")
	spawn(bobThread, bobCPU, "bob")

	for !exec.Idle() {
		exec.RunOnce()
	}

	fmt.Fprint(os.Stderr, "kiwi: executor counters:", stats.Dump(&exec.Stats))

	// Leave a profile behind for cmd/kiwi-stats.
	f, err := os.Create("kiwi.pprof")
	must(err)
	defer f.Close()
	must(diag.Dump(f, diag.Snapshot(exec, 0)))
}

func mustUVirt(raw uint64) addr.UVirt {
	u, err := addr.NewUVirt(raw)
	if err != nil {
		panic(err)
	}
	return u
}
