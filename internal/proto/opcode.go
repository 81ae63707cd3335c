// Package proto defines the wire packet format and opcode table shared by
// the Gateway and the Client Connector.
package proto

// Opcode is the enumerated `type` field of a Packet (Table P).
type Opcode int

// Client -> Server opcodes.
const (
	OpLogin    Opcode = 1
	OpLogout   Opcode = 2
	OpHeartbeat Opcode = 3

	OpChatMessage   Opcode = 10
	OpTyping        Opcode = 11
	OpReadAck       Opcode = 12
	OpRecallMessage Opcode = 13
	// OpReaction is not in the distilled opcode table; Table P reserves
	// REACTION_NOTIFY=126 on the server side with no producing input.
	// SPEC_FULL assigns it the next free client slot.
	OpReaction Opcode = 14

	OpSyncRequest           Opcode = 20
	OpOfflineSyncAck        Opcode = 22
	OpOnlineStatusRequest   Opcode = 23
	OpOnlineStatusSubscribe Opcode = 24
)

// Server -> Client opcodes.
const (
	OpLoginResponse     Opcode = 101
	OpLogoutResponse    Opcode = 102
	OpHeartbeatResponse Opcode = 103

	OpChatMessageAck Opcode = 110
	OpReceiveMessage Opcode = 111
	OpTypingNotify   Opcode = 112
	OpRecallAck      Opcode = 113
	OpRecallNotify   Opcode = 114

	OpSyncResponse          Opcode = 120
	OpOfflineSyncResponse   Opcode = 121
	OpOfflineSyncComplete   Opcode = 122
	OpOnlineStatusResponse  Opcode = 123
	OpOnlineStatusChange    Opcode = 124
	OpReadReceiptNotify     Opcode = 125
	OpReactionNotify        Opcode = 126

	OpKickedOffline Opcode = 200
	OpServerError   Opcode = 500
)

// IsRequest reports whether an opcode originates a request that obligates
// the peer to answer with a matching response opcode echoing seq (G3).
func (o Opcode) IsRequest() bool {
	switch o {
	case OpLogin, OpLogout, OpHeartbeat, OpChatMessage, OpRecallMessage,
		OpSyncRequest, OpOnlineStatusRequest:
		return true
	default:
		return false
	}
}

// IsPush reports whether an opcode is a server-initiated push dispatched
// through the event bus rather than the pending-request table.
func (o Opcode) IsPush() bool {
	switch o {
	case OpReceiveMessage, OpTypingNotify, OpRecallNotify, OpOfflineSyncResponse,
		OpOfflineSyncComplete, OpOnlineStatusChange, OpReadReceiptNotify,
		OpReactionNotify, OpKickedOffline:
		return true
	default:
		return false
	}
}

// Known reports whether the opcode is part of Table P. Unknown opcodes are
// dropped with a log entry per the Protocol Codec contract (§4.2), not
// treated as a connection-closing error.
func (o Opcode) Known() bool {
	switch o {
	case OpLogin, OpLogout, OpHeartbeat, OpChatMessage, OpTyping, OpReadAck,
		OpRecallMessage, OpReaction, OpSyncRequest, OpOfflineSyncAck,
		OpOnlineStatusRequest, OpOnlineStatusSubscribe,
		OpLoginResponse, OpLogoutResponse, OpHeartbeatResponse,
		OpChatMessageAck, OpReceiveMessage, OpTypingNotify, OpRecallAck,
		OpRecallNotify, OpSyncResponse, OpOfflineSyncResponse,
		OpOfflineSyncComplete, OpOnlineStatusResponse, OpOnlineStatusChange,
		OpReadReceiptNotify, OpReactionNotify, OpKickedOffline, OpServerError:
		return true
	default:
		return false
	}
}
