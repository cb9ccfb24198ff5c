package syscall

import (
	"encoding/binary"

	"kiwi/internal/ipc"
)

// Wire offsets and sizes for the Message and Reply C layouts shared
// with user mode. Every word-sized field is 64 bits on this riscv64
// target; the ABI is little-endian, matching RISC-V's native byte
// order.
const (
	messageWireSize = 8 + 8 + 8 + 8 + ipc.MaxPayload // sender, receiver, kind, payload_len, payload
	replyWireSize   = 8 + 8 + ipc.MaxPayload         // status, payload_len, payload
)

// decodeOutgoingMessage reads the receiver/kind/payload fields a user
// thread wrote into its own message struct before IpcSend. The sender
// field is ignored: Send stamps every message with the caller's own
// task id, so user code cannot forge a sender.
func decodeOutgoingMessage(buf []byte) (receiver uint64, kind uint64, payload []byte) {
	receiver = binary.LittleEndian.Uint64(buf[8:16])
	kind = binary.LittleEndian.Uint64(buf[16:24])
	payloadLen := binary.LittleEndian.Uint64(buf[24:32])
	if payloadLen > ipc.MaxPayload {
		payloadLen = ipc.MaxPayload
	}
	payload = buf[32 : 32+payloadLen]
	return
}

// encodeMessage writes msg into the wire layout IpcReceive hands back
// to user mode.
func encodeMessage(msg *ipc.Message) []byte {
	buf := make([]byte, messageWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(msg.Sender))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(msg.Receiver))
	binary.LittleEndian.PutUint64(buf[16:24], msg.Kind)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(msg.PayloadLen))
	copy(buf[32:], msg.Payload[:msg.PayloadLen])
	return buf
}

// decodeReply reads the status/payload fields a user thread wrote into
// its own reply struct before IpcReply.
func decodeReply(buf []byte) (status int64, payload []byte) {
	status = int64(binary.LittleEndian.Uint64(buf[0:8]))
	payloadLen := binary.LittleEndian.Uint64(buf[8:16])
	if payloadLen > ipc.MaxPayload {
		payloadLen = ipc.MaxPayload
	}
	payload = buf[16 : 16+payloadLen]
	return
}

// encodeReply writes reply into the wire layout IpcSend hands back to
// the original sender.
func encodeReply(reply *ipc.Reply) []byte {
	buf := make([]byte, replyWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(reply.Status))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(reply.PayloadLen))
	copy(buf[16:], reply.Payload[:reply.PayloadLen])
	return buf
}
