package ipc

import (
	"sync"

	"kiwi/internal/waitq"
)

type waitKind int

const (
	waitNone waitKind = iota
	waitForSend
	waitForMessage
	waitForReply
)

// waitState is a task's IPC waiting state: None,
// WaitingForSend, WaitingForMessage, or WaitingForReply(peer).
type waitState struct {
	kind waitKind
	peer TaskID
}

// taskSet is a task's per-task IPC state.
// Access to its mutable fields is always under mu; nested access
// across tasks (holding two sets' locks at once) is forbidden by the
// algorithms in ipc.go.
type taskSet struct {
	mu sync.Mutex

	receiveQueue waitq.Queue
	replyQueue   waitq.Queue
	sendQueue    waitq.Queue

	incomingMsg   *Message
	incomingReply *Reply
	state         waitState
}

// destroy poisons the send and reply queues and wakes every blocked
// peer. It must run exactly once, after the
// registry has removed this set so no new waiter can observe a
// pre-poison state.
func (s *taskSet) destroy() {
	s.sendQueue.Poison()
	s.replyQueue.Poison()
	s.sendQueue.WakeAll()
	s.replyQueue.WakeAll()
}
