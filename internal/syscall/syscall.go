// Package syscall implements the syscall dispatch table.
// It classifies the syscall id carried on a Syscall-classified trap,
// marshals user pointers through the gated copy routines in
// usermem.go, returns internal/trap's disposition values, and calls
// into internal/ipc's send/receive/reply/registry operations, encoding
// whatever they return back into the trapped thread's a0 register.
//
// This is the concrete trap.Dispatcher the thread loop (internal/
// executor) invokes; the interface itself lives in internal/trap to
// avoid an import cycle (trap would otherwise need to import
// executor, which already imports trap for ThreadLoop).
package syscall

import (
	"unicode/utf8"

	"kiwi/internal/addr"
	"kiwi/internal/executor"
	"kiwi/internal/ipc"
	"kiwi/internal/kconfig"
	"kiwi/internal/kerr"
	"kiwi/internal/trap"
	"kiwi/internal/vmm"
)

// Syscall numbers.
const (
	Nop               = 0
	TaskExit          = 1
	TaskYield         = 2
	ServiceRegister   = 3
	ServiceUnregister = 4
	ServiceConnect    = 5
	IpcSend           = 6
	IpcReceive        = 7
	IpcReply          = 8
	DebugWrite        = 999
)

// a0Index is the Context.GPR slot holding x10 (a0), the syscall return
// register. GPR[i]
// stores x(i+1).
const a0Index = 9

// noopUnknown is the convention for an unrecognized syscall id: a0
// comes back with every bit set, which as a signed register value is
// -1.
const noopUnknown = -1

// Console is the sink DebugWrite forwards a gated copy of user bytes
// to.
type Console interface {
	Write(p []byte) (int, error)
}

// Dispatcher is the per-task trap.Dispatcher: it is bound to one
// task's thread, root table, and IPC identity, and (via Yielder/Waker)
// to the suspension points IPC send/receive need. Build one per
// task through NewDispatcher, not by sharing a single instance across
// tasks.
type Dispatcher struct {
	TaskID  ipc.TaskID
	Gate    *vmm.Gate
	Memory  Memory
	IPC     *ipc.IPC
	Console Console
	Cfg     kconfig.Config

	Y    executor.Yielder
	Self executor.Waker
}

// NewDispatcher returns an executor.ThreadLoop-compatible factory
// binding the fixed per-task fields to the task's own Yielder/Waker at
// body-start, the shape executor.ThreadLoop.NewDispatcher expects.
func NewDispatcher(taskID ipc.TaskID, gate *vmm.Gate, mem Memory, k *ipc.IPC, console Console, cfg kconfig.Config) func(y executor.Yielder, self executor.Waker) trap.Dispatcher {
	return func(y executor.Yielder, self executor.Waker) trap.Dispatcher {
		return &Dispatcher{
			TaskID: taskID, Gate: gate, Memory: mem, IPC: k, Console: console, Cfg: cfg,
			Y: y, Self: self,
		}
	}
}

// setReturn writes v into the trapped thread's a0 register.
func setReturn(t *trap.Thread, v int64) {
	t.Context.GPR[a0Index] = uint64(v)
}

// Dispatch implements trap.Dispatcher.
func (d *Dispatcher) Dispatch(t *trap.Thread, raw trap.RawTrap) trap.Resume {
	switch raw.SyscallID {
	case Nop:
		setReturn(t, 0)
		return trap.Continue

	case TaskExit:
		return trap.Terminate(int32(raw.SyscallArgs[0]))

	case TaskYield:
		setReturn(t, 0)
		return trap.Yield

	case ServiceRegister:
		return d.serviceRegister(t, raw)

	case ServiceUnregister:
		setReturn(t, kerr.NotImplemented.Syscall())
		return trap.Continue

	case ServiceConnect:
		return d.serviceConnect(t, raw)

	case IpcSend:
		return d.ipcSend(t, raw)

	case IpcReceive:
		return d.ipcReceive(t, raw)

	case IpcReply:
		return d.ipcReply(t, raw)

	case DebugWrite:
		return d.debugWrite(t, raw)

	default:
		setReturn(t, noopUnknown)
		return trap.Continue
	}
}

// copyUserString validates and gated-copies a (ptr, len) user string
// argument, then requires it to be valid UTF-8. A length over the
// configured cap, or a pointer that does not even lie in user space,
// is BadName: a syscall-argument validation failure, not a runtime
// fault. An in-range pointer that turns out unmapped reports
// fault=true so the caller escalates to trap.Fault instead.
func (d *Dispatcher) copyUserString(t *trap.Thread, ptrArg, lenArg uint64) (s string, fault bool, ok bool) {
	if lenArg > uint64(d.Cfg.MaxServiceName) {
		return "", false, false
	}
	uv, err := addr.NewUVirt(ptrArg)
	if err != nil {
		return "", false, false
	}
	buf := make([]byte, lenArg)
	if err := CopyIn(d.Gate, t.RootTable, d.Memory, uv, buf); err != nil {
		return "", true, false
	}
	if !utf8.Valid(buf) {
		return "", false, false
	}
	return string(buf), false, true
}

func (d *Dispatcher) serviceRegister(t *trap.Thread, raw trap.RawTrap) trap.Resume {
	name, fault, ok := d.copyUserString(t, raw.SyscallArgs[0], raw.SyscallArgs[1])
	if fault {
		return trap.Fault
	}
	if !ok {
		setReturn(t, kerr.BadName.Syscall())
		return trap.Continue
	}
	if err := d.IPC.Services.Register(name, d.TaskID); err != nil {
		setReturn(t, err.(kerr.Code).Syscall())
		return trap.Continue
	}
	setReturn(t, 0)
	return trap.Continue
}

func (d *Dispatcher) serviceConnect(t *trap.Thread, raw trap.RawTrap) trap.Resume {
	name, fault, ok := d.copyUserString(t, raw.SyscallArgs[0], raw.SyscallArgs[1])
	if fault {
		return trap.Fault
	}
	if !ok {
		setReturn(t, kerr.BadName.Syscall())
		return trap.Continue
	}
	id, err := d.IPC.Services.Lookup(name)
	if err != nil {
		setReturn(t, err.(kerr.Code).Syscall())
		return trap.Continue
	}
	setReturn(t, int64(id))
	return trap.Continue
}

// ipcSend validates both pointers are entirely in user space, reads
// the message via a gated copy, runs the rendezvous send, and writes
// the reply back via a gated copy.
func (d *Dispatcher) ipcSend(t *trap.Thread, raw trap.RawTrap) trap.Resume {
	msgPtr, err := addr.NewUVirt(raw.SyscallArgs[0])
	if err != nil {
		setReturn(t, kerr.BadName.Syscall())
		return trap.Continue
	}
	replyPtr, err := addr.NewUVirt(raw.SyscallArgs[1])
	if err != nil {
		setReturn(t, kerr.BadName.Syscall())
		return trap.Continue
	}

	buf := make([]byte, messageWireSize)
	if err := CopyIn(d.Gate, t.RootTable, d.Memory, msgPtr, buf); err != nil {
		return trap.Fault
	}
	receiver, kind, payload := decodeOutgoingMessage(buf)

	reply, sendErr := d.IPC.Send(d.TaskID, ipc.TaskID(receiver), kind, payload, d.Y, d.Self)
	if sendErr != nil {
		setReturn(t, sendErr.(kerr.Code).Syscall())
		return trap.Continue
	}

	if err := CopyOut(d.Gate, t.RootTable, d.Memory, replyPtr, encodeReply(reply)); err != nil {
		return trap.Fault
	}
	setReturn(t, 0)
	return trap.Continue
}

// ipcReceive runs the rendezvous receive, then writes the delivered
// message back via a gated copy.
func (d *Dispatcher) ipcReceive(t *trap.Thread, raw trap.RawTrap) trap.Resume {
	msgPtr, err := addr.NewUVirt(raw.SyscallArgs[0])
	if err != nil {
		setReturn(t, kerr.BadName.Syscall())
		return trap.Continue
	}

	msg := d.IPC.Receive(d.TaskID, d.Y, d.Self)

	if err := CopyOut(d.Gate, t.RootTable, d.Memory, msgPtr, encodeMessage(msg)); err != nil {
		return trap.Fault
	}
	setReturn(t, 0)
	return trap.Continue
}

// ipcReply reads the reply via a gated copy, then runs Reply, which
// never suspends.
func (d *Dispatcher) ipcReply(t *trap.Thread, raw trap.RawTrap) trap.Resume {
	to := ipc.TaskID(raw.SyscallArgs[0])
	replyPtr, err := addr.NewUVirt(raw.SyscallArgs[1])
	if err != nil {
		setReturn(t, kerr.BadName.Syscall())
		return trap.Continue
	}

	buf := make([]byte, replyWireSize)
	if err := CopyIn(d.Gate, t.RootTable, d.Memory, replyPtr, buf); err != nil {
		return trap.Fault
	}
	status, payload := decodeReply(buf)

	if err := d.IPC.Reply(d.TaskID, to, status, payload); err != nil {
		setReturn(t, err.(kerr.Code).Syscall())
		return trap.Continue
	}
	setReturn(t, 0)
	return trap.Continue
}

// debugWrite gated-copies into a kernel buffer bounded by
// Cfg.MaxDebugWrite, forwarded to the console.
func (d *Dispatcher) debugWrite(t *trap.Thread, raw trap.RawTrap) trap.Resume {
	ptrArg, lenArg := raw.SyscallArgs[0], raw.SyscallArgs[1]
	if lenArg > uint64(d.Cfg.MaxDebugWrite) {
		lenArg = uint64(d.Cfg.MaxDebugWrite)
	}
	uv, err := addr.NewUVirt(ptrArg)
	if err != nil {
		setReturn(t, kerr.BadName.Syscall())
		return trap.Continue
	}

	buf := make([]byte, lenArg)
	if err := CopyIn(d.Gate, t.RootTable, d.Memory, uv, buf); err != nil {
		return trap.Fault
	}
	n, writeErr := d.Console.Write(buf)
	if writeErr != nil {
		setReturn(t, kerr.BadName.Syscall())
		return trap.Continue
	}
	setReturn(t, int64(n))
	return trap.Continue
}
