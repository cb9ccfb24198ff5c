package ipc

import (
	"sync"

	"kiwi/internal/executor"
	"kiwi/internal/kerr"
	"kiwi/internal/waitq"
)

// IPC owns every task's IPC set and the service registry.
type IPC struct {
	mu       sync.RWMutex
	sets     map[TaskID]*taskSet
	Services *registry
}

// New builds an empty IPC layer.
func New() *IPC {
	return &IPC{sets: make(map[TaskID]*taskSet), Services: newRegistry()}
}

// CreateTaskSet registers a fresh, empty IPC set for id.
func (k *IPC) CreateTaskSet(id TaskID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sets[id] = &taskSet{}
}

func (k *IPC) get(id TaskID) (*taskSet, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.sets[id]
	return s, ok
}

// DestroyTaskSet removes id's IPC set and poisons/wakes its queues so
// every blocked peer observes its absence.
func (k *IPC) DestroyTaskSet(id TaskID) {
	k.mu.Lock()
	set, ok := k.sets[id]
	if ok {
		delete(k.sets, id)
	}
	k.mu.Unlock()
	if ok {
		set.destroy()
	}
}

// Send runs the sender's half of the rendezvous: locate the receiver,
// deposit the message, then wait for a reply. y and self are the
// calling task's suspension handle and waker, used at every await
// point.
func (k *IPC) Send(senderID, receiverID TaskID, kind uint64, payload []byte, y executor.Yielder, self executor.Waker) (*Reply, error) {
	if len(payload) > MaxPayload {
		return nil, kerr.PayloadTooLarge
	}
	senderSet, ok := k.get(senderID)
	if !ok {
		panic("ipc: Send called by a task with no IPC set")
	}
	recvSet, ok := k.get(receiverID)
	if !ok {
		return nil, kerr.TaskDoesNotExist
	}

	msg := &Message{Sender: senderID, Receiver: receiverID, Kind: kind}
	msg.PayloadLen = copy(msg.Payload[:], payload)

	for {
		recvSet.mu.Lock()
		if recvSet.state.kind == waitForMessage {
			// The receiver only enters waitForMessage with an empty
			// slot, and depositing clears the state, so a second
			// sender can never overwrite a deposited message.
			if recvSet.incomingMsg != nil {
				recvSet.mu.Unlock()
				panic("ipc: message slot occupied while receiver waits")
			}
			recvSet.incomingMsg = msg
			recvSet.state = waitState{}
			recvSet.mu.Unlock()
			recvSet.receiveQueue.WakeOne()
			break
		}
		recvSet.mu.Unlock()

		senderSet.mu.Lock()
		senderSet.state = waitState{kind: waitForSend}
		senderSet.mu.Unlock()

		waitq.Wait(&recvSet.sendQueue, y, self)

		if _, ok := k.get(receiverID); !ok {
			senderSet.mu.Lock()
			senderSet.state = waitState{}
			senderSet.mu.Unlock()
			return nil, kerr.TaskDestroyed
		}
	}

	for {
		senderSet.mu.Lock()
		senderSet.state = waitState{kind: waitForReply, peer: receiverID}
		if senderSet.incomingReply != nil {
			reply := senderSet.incomingReply
			senderSet.incomingReply = nil
			senderSet.state = waitState{}
			senderSet.mu.Unlock()
			return reply, nil
		}
		senderSet.mu.Unlock()

		if _, ok := k.get(receiverID); !ok {
			senderSet.mu.Lock()
			senderSet.state = waitState{}
			senderSet.mu.Unlock()
			return nil, kerr.TaskDestroyed
		}

		waitq.Wait(&recvSet.replyQueue, y, self)
	}
}

// Receive blocks until a message arrives in selfID's inbound slot.
func (k *IPC) Receive(selfID TaskID, y executor.Yielder, self executor.Waker) *Message {
	set, ok := k.get(selfID)
	if !ok {
		panic("ipc: Receive called by a task with no IPC set")
	}

	for {
		set.mu.Lock()
		if set.incomingMsg != nil {
			msg := set.incomingMsg
			set.incomingMsg = nil
			set.state = waitState{}
			set.mu.Unlock()
			return msg
		}
		set.state = waitState{kind: waitForMessage}
		set.mu.Unlock()

		set.sendQueue.WakeAll()
		waitq.Wait(&set.receiveQueue, y, self)
	}
}

// Reply delivers a reply to toID and wakes its waiters; it never
// suspends.
func (k *IPC) Reply(replierID, toID TaskID, status int64, payload []byte) error {
	if len(payload) > MaxPayload {
		return kerr.PayloadTooLarge
	}
	toSet, ok := k.get(toID)
	if !ok {
		return kerr.TaskDoesNotExist
	}

	toSet.mu.Lock()
	if toSet.state.kind != waitForReply {
		toSet.mu.Unlock()
		return kerr.NotWaitingForReply
	}
	if toSet.state.peer != replierID {
		toSet.mu.Unlock()
		return kerr.UnexpectedSender
	}
	reply := &Reply{Status: status}
	reply.PayloadLen = copy(reply.Payload[:], payload)
	toSet.incomingReply = reply
	toSet.mu.Unlock()

	if replierSet, ok := k.get(replierID); ok {
		replierSet.replyQueue.WakeAll()
	}
	return nil
}
