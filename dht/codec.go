package dht

import (
	"encoding/binary"
	"fmt"

	"github.com/kutluhann/dfss-kad/constants"
)

// MessageType is the single-byte frame type prefix of §4.2's wire table.
type MessageType byte

const (
	TypePing              MessageType = 0x01
	TypePong               MessageType = 0x02
	TypeFindNode           MessageType = 0x03
	TypeFindNodeResponse   MessageType = 0x04
	TypeStore              MessageType = 0x05
	TypeFindValue          MessageType = 0x06
	TypeFindValueResponse  MessageType = 0x07
	TypeStoreAck           MessageType = 0x08
	TypeHasValue           MessageType = 0x09
	TypeHasValueResponse   MessageType = 0x0A
	TypeSignalOffer        MessageType = 0xF0
	TypeSignalAnswer       MessageType = 0xF1
	TypeSignalICE          MessageType = 0xF2
)

// IsSignal reports whether t is one of the transport-private signaling
// types the core forwards without ever decoding the payload.
func (t MessageType) IsSignal() bool {
	return t >= TypeSignalOffer && t <= TypeSignalICE
}

func (t MessageType) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeFindNode:
		return "FIND_NODE"
	case TypeFindNodeResponse:
		return "FIND_NODE_RESPONSE"
	case TypeStore:
		return "STORE"
	case TypeFindValue:
		return "FIND_VALUE"
	case TypeFindValueResponse:
		return "FIND_VALUE_RESPONSE"
	case TypeStoreAck:
		return "STORE_ACK"
	case TypeHasValue:
		return "HAS_VALUE"
	case TypeHasValueResponse:
		return "HAS_VALUE_RESPONSE"
	case TypeSignalOffer, TypeSignalAnswer, TypeSignalICE:
		return "SIGNAL"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// PeekType returns the leading type byte of a frame without otherwise
// parsing it.
func PeekType(frame []byte) (MessageType, error) {
	if len(frame) < 1 {
		return 0, ErrTruncated
	}
	return MessageType(frame[0]), nil
}

// maxNodesPerReply is the wire cap imposed by the single-byte count field;
// it is never smaller than K, so it never actually truncates a closest-K
// reply (see DESIGN.md's note on the K>255 open question).
const maxNodesPerReply = 255

func need(buf []byte, n int) error {
	if len(buf) < n {
		return ErrTruncated
	}
	return nil
}

// EncodePing / EncodePong carry the sender's own id so the receiver can
// check it against the transport-level peer identity.
func EncodePing(self NodeID) []byte {
	out := make([]byte, 1+constants.IDLen)
	out[0] = byte(TypePing)
	copy(out[1:], self[:])
	return out
}

func DecodePing(frame []byte) (NodeID, error) {
	if err := need(frame, 1+constants.IDLen); err != nil {
		return NodeID{}, err
	}
	var id NodeID
	copy(id[:], frame[1:1+constants.IDLen])
	return id, nil
}

func EncodePong(self NodeID) []byte {
	out := make([]byte, 1+constants.IDLen)
	out[0] = byte(TypePong)
	copy(out[1:], self[:])
	return out
}

func DecodePong(frame []byte) (NodeID, error) {
	if err := need(frame, 1+constants.IDLen); err != nil {
		return NodeID{}, err
	}
	var id NodeID
	copy(id[:], frame[1:1+constants.IDLen])
	return id, nil
}

func EncodeFindNode(msgID MessageID, target NodeID) []byte {
	out := make([]byte, 1+constants.MsgIDLen+constants.IDLen)
	out[0] = byte(TypeFindNode)
	copy(out[1:], msgID[:])
	copy(out[1+constants.MsgIDLen:], target[:])
	return out
}

func DecodeFindNode(frame []byte) (MessageID, NodeID, error) {
	var msgID MessageID
	var target NodeID
	if err := need(frame, 1+constants.MsgIDLen+constants.IDLen); err != nil {
		return msgID, target, err
	}
	copy(msgID[:], frame[1:1+constants.MsgIDLen])
	copy(target[:], frame[1+constants.MsgIDLen:])
	return msgID, target, nil
}

func encodeNodeList(nodes []NodeID) []byte {
	n := len(nodes)
	if n > maxNodesPerReply {
		n = maxNodesPerReply
	}
	out := make([]byte, 1+n*constants.IDLen)
	out[0] = byte(n)
	for i := 0; i < n; i++ {
		copy(out[1+i*constants.IDLen:], nodes[i][:])
	}
	return out
}

func decodeNodeList(buf []byte) ([]NodeID, []byte, error) {
	if err := need(buf, 1); err != nil {
		return nil, nil, err
	}
	count := int(buf[0])
	buf = buf[1:]
	if err := need(buf, count*constants.IDLen); err != nil {
		return nil, nil, err
	}
	nodes := make([]NodeID, count)
	for i := 0; i < count; i++ {
		copy(nodes[i][:], buf[i*constants.IDLen:(i+1)*constants.IDLen])
	}
	return nodes, buf[count*constants.IDLen:], nil
}

func EncodeFindNodeResponse(msgID MessageID, nodes []NodeID) []byte {
	head := make([]byte, 1+constants.MsgIDLen)
	head[0] = byte(TypeFindNodeResponse)
	copy(head[1:], msgID[:])
	return append(head, encodeNodeList(nodes)...)
}

func DecodeFindNodeResponse(frame []byte) (MessageID, []NodeID, error) {
	var msgID MessageID
	if err := need(frame, 1+constants.MsgIDLen); err != nil {
		return msgID, nil, err
	}
	copy(msgID[:], frame[1:1+constants.MsgIDLen])
	nodes, _, err := decodeNodeList(frame[1+constants.MsgIDLen:])
	return msgID, nodes, err
}

func EncodeStore(msgID MessageID, key NodeID, recordJSON []byte) []byte {
	out := make([]byte, 1+constants.MsgIDLen+constants.IDLen+4+len(recordJSON))
	out[0] = byte(TypeStore)
	off := 1
	copy(out[off:], msgID[:])
	off += constants.MsgIDLen
	copy(out[off:], key[:])
	off += constants.IDLen
	binary.BigEndian.PutUint32(out[off:], uint32(len(recordJSON)))
	off += 4
	copy(out[off:], recordJSON)
	return out
}

func DecodeStore(frame []byte) (msgID MessageID, key NodeID, recordJSON []byte, err error) {
	if err = need(frame, 1+constants.MsgIDLen+constants.IDLen+4); err != nil {
		return
	}
	off := 1
	copy(msgID[:], frame[off:off+constants.MsgIDLen])
	off += constants.MsgIDLen
	copy(key[:], frame[off:off+constants.IDLen])
	off += constants.IDLen
	n := binary.BigEndian.Uint32(frame[off:])
	off += 4
	if err = need(frame[off:], int(n)); err != nil {
		return
	}
	recordJSON = frame[off : off+int(n)]
	return
}

func EncodeFindValue(msgID MessageID, key NodeID) []byte {
	out := make([]byte, 1+constants.MsgIDLen+constants.IDLen)
	out[0] = byte(TypeFindValue)
	copy(out[1:], msgID[:])
	copy(out[1+constants.MsgIDLen:], key[:])
	return out
}

func DecodeFindValue(frame []byte) (MessageID, NodeID, error) {
	var msgID MessageID
	var key NodeID
	if err := need(frame, 1+constants.MsgIDLen+constants.IDLen); err != nil {
		return msgID, key, err
	}
	copy(msgID[:], frame[1:1+constants.MsgIDLen])
	copy(key[:], frame[1+constants.MsgIDLen:])
	return msgID, key, nil
}

func EncodeFindValueResponseFound(msgID MessageID, recordJSON []byte) []byte {
	out := make([]byte, 1+constants.MsgIDLen+1+4+len(recordJSON))
	off := 0
	out[off] = byte(TypeFindValueResponse)
	off++
	copy(out[off:], msgID[:])
	off += constants.MsgIDLen
	out[off] = 1
	off++
	binary.BigEndian.PutUint32(out[off:], uint32(len(recordJSON)))
	off += 4
	copy(out[off:], recordJSON)
	return out
}

func EncodeFindValueResponseNotFound(msgID MessageID, nodes []NodeID) []byte {
	head := make([]byte, 1+constants.MsgIDLen+1)
	head[0] = byte(TypeFindValueResponse)
	copy(head[1:], msgID[:])
	head[1+constants.MsgIDLen] = 0
	return append(head, encodeNodeList(nodes)...)
}

// FindValueResult is the decoded body of a FIND_VALUE_RESPONSE: exactly
// one of RecordJSON or Nodes is populated, discriminated by Found.
type FindValueResult struct {
	Found      bool
	RecordJSON []byte
	Nodes      []NodeID
}

func DecodeFindValueResponse(frame []byte) (MessageID, FindValueResult, error) {
	var msgID MessageID
	var res FindValueResult
	if err := need(frame, 1+constants.MsgIDLen+1); err != nil {
		return msgID, res, err
	}
	off := 1
	copy(msgID[:], frame[off:off+constants.MsgIDLen])
	off += constants.MsgIDLen
	found := frame[off]
	off++
	if found == 1 {
		if err := need(frame[off:], 4); err != nil {
			return msgID, res, err
		}
		n := binary.BigEndian.Uint32(frame[off:])
		off += 4
		if err := need(frame[off:], int(n)); err != nil {
			return msgID, res, err
		}
		res.Found = true
		res.RecordJSON = frame[off : off+int(n)]
		return msgID, res, nil
	}
	nodes, _, err := decodeNodeList(frame[off:])
	if err != nil {
		return msgID, res, err
	}
	res.Nodes = nodes
	return msgID, res, nil
}

func EncodeStoreAck(msgID MessageID) []byte {
	out := make([]byte, 1+constants.MsgIDLen)
	out[0] = byte(TypeStoreAck)
	copy(out[1:], msgID[:])
	return out
}

func DecodeStoreAck(frame []byte) (MessageID, error) {
	var msgID MessageID
	if err := need(frame, 1+constants.MsgIDLen); err != nil {
		return msgID, err
	}
	copy(msgID[:], frame[1:1+constants.MsgIDLen])
	return msgID, nil
}

func EncodeHasValue(msgID MessageID, key NodeID) []byte {
	out := make([]byte, 1+constants.MsgIDLen+constants.IDLen)
	out[0] = byte(TypeHasValue)
	copy(out[1:], msgID[:])
	copy(out[1+constants.MsgIDLen:], key[:])
	return out
}

func DecodeHasValue(frame []byte) (MessageID, NodeID, error) {
	var msgID MessageID
	var key NodeID
	if err := need(frame, 1+constants.MsgIDLen+constants.IDLen); err != nil {
		return msgID, key, err
	}
	copy(msgID[:], frame[1:1+constants.MsgIDLen])
	copy(key[:], frame[1+constants.MsgIDLen:])
	return msgID, key, nil
}

func EncodeHasValueResponse(msgID MessageID, has bool) []byte {
	out := make([]byte, 1+constants.MsgIDLen+1)
	out[0] = byte(TypeHasValueResponse)
	copy(out[1:], msgID[:])
	if has {
		out[1+constants.MsgIDLen] = 1
	}
	return out
}

func DecodeHasValueResponse(frame []byte) (MessageID, bool, error) {
	var msgID MessageID
	if err := need(frame, 1+constants.MsgIDLen+1); err != nil {
		return msgID, false, err
	}
	copy(msgID[:], frame[1:1+constants.MsgIDLen])
	return msgID, frame[1+constants.MsgIDLen] != 0, nil
}
