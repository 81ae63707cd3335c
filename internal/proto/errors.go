package proto

import "time"

// Helper constructors for SERVER_ERROR and KICKED_OFFLINE packets, named
// after the teacher's Err*/NoErr* family in its datamodel.go.

// ErrServerError builds a SERVER_ERROR packet.
func ErrServerError(seq, msg string, ts time.Time) *Packet {
	p, _ := NewPacket(OpServerError, seq, ServerErrorPayload{Error: msg}, ts)
	return p
}

// KickedOffline builds a KICKED_OFFLINE packet with the given reason.
func KickedOffline(reason string, ts time.Time) *Packet {
	p, _ := NewPacket(OpKickedOffline, "", KickedOfflinePayload{Reason: reason}, ts)
	return p
}

// LoginFailure builds a LOGIN_RESPONSE packet reporting failure.
func LoginFailure(seq, errMsg string, ts time.Time) *Packet {
	p, _ := NewPacket(OpLoginResponse, seq, LoginResponsePayload{Success: false, Error: errMsg}, ts)
	return p
}

// LoginSuccess builds a LOGIN_RESPONSE packet reporting success.
func LoginSuccess(seq, userID string, ts time.Time) *Packet {
	p, _ := NewPacket(OpLoginResponse, seq, LoginResponsePayload{Success: true, UserID: userID}, ts)
	return p
}
