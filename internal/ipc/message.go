// Package ipc implements synchronous rendezvous send,
// receive, and reply, plus the service name registry syscalls resolve
// against. The wire layout matches the kernel/user ABI exactly (plain value types,
// no third-party serialization — the ABI is a fixed C layout shared
// with user mode, not a format this kernel chooses).
package ipc

import "kiwi/internal/executor"

// MaxPayload is the largest payload a Message or Reply may carry.
const MaxPayload = 256

// TaskID identifies a task across the IPC layer; it is the same
// identifier space internal/executor assigns.
type TaskID = executor.TaskID

// Message is what Send delivers to Receive.
type Message struct {
	Sender     TaskID
	Receiver   TaskID
	Kind       uint64
	PayloadLen int
	Payload    [MaxPayload]byte
}

// Reply is what Reply delivers back to the original sender.
type Reply struct {
	Status     int64
	PayloadLen int
	Payload    [MaxPayload]byte
}
