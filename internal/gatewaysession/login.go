package gatewaysession

import (
	"context"
	"time"

	"github.com/lumi-chat/gateway/internal/apiclient"
	"github.com/lumi-chat/gateway/internal/logging"
	"github.com/lumi-chat/gateway/internal/proto"
)

// awaitLogin blocks for up to cfg.LoginTimeout for a LOGIN packet (§4.4).
// Any other opcode received first is a protocol error.
func (s *Session) awaitLogin(ctx context.Context, first <-chan readResult) bool {
	select {
	case res, ok := <-first:
		if !ok || res.err != nil {
			return false
		}
		if res.pkt.Type != proto.OpLogin {
			s.sendServerError("expected LOGIN")
			return false
		}
		return s.handleLogin(ctx, res.pkt)
	case <-time.After(s.cfg.LoginTimeout):
		s.sendServerError("login timeout")
		return false
	case <-s.closed:
		return false
	}
}

// handleLogin implements G4 steps 1-5: validate the token, upsert the
// Device row, bind the Session Registry, reply, then kick off the offline
// drain.
func (s *Session) handleLogin(ctx context.Context, pkt *proto.Packet) bool {
	var in proto.LoginPayload
	if err := pkt.Decode(&in); err != nil || in.DeviceID == "" {
		s.replyLogin(pkt.Seq, false, "", "malformed login")
		s.loginFailureGrace(ctx)
		return false
	}

	identity, err := s.validator.Validate(ctx, in.Token)
	if err != nil {
		s.replyLogin(pkt.Seq, false, "", "invalid token")
		s.loginFailureGrace(ctx)
		return false
	}

	principal := apiclient.Principal{UserID: identity.UserID, DeviceID: in.DeviceID}
	if err := s.api.UpsertDevice(ctx, principal, in.DeviceType); err != nil {
		logging.Warnf("gatewaysession: upsert device %s/%s: %v", identity.UserID, in.DeviceID, err)
		s.replyLogin(pkt.Seq, false, "", "internal error")
		s.loginFailureGrace(ctx)
		return false
	}

	s.mu.Lock()
	s.userID = identity.UserID
	s.deviceID = in.DeviceID
	s.lastHeartbeatAt = time.Now()
	s.mu.Unlock()

	// Bind evicts and closes any prior Session on this exact deviceId
	// with a KICKED_OFFLINE notification (§4.1); it never touches other
	// devices of this user.
	s.reg.Bind(identity.UserID, in.DeviceID, s)
	s.replyLogin(pkt.Seq, true, identity.UserID, "")

	if s.offline != nil {
		go s.offline.Drain(s.ctx, s)
	}
	return true
}

func (s *Session) replyLogin(seq string, success bool, userID, errMsg string) {
	if success {
		s.SendPacket(proto.LoginSuccess(seq, userID, time.Now()))
		return
	}
	s.SendPacket(proto.LoginFailure(seq, errMsg, time.Now()))
}

// loginFailureGrace holds the connection open for loginFailureGracePeriod
// after a failed LOGIN (§4.4 step 1), giving the client a window to read
// the LOGIN_FAILURE reply off the wire before the server closes. Returns
// early if ctx is canceled (session torn down from elsewhere) or the
// connection already closed.
func (s *Session) loginFailureGrace(ctx context.Context) {
	select {
	case <-time.After(loginFailureGracePeriod):
	case <-ctx.Done():
	case <-s.closed:
	}
}
