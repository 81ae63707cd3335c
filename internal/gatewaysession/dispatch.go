package gatewaysession

import (
	"context"
	"time"

	"github.com/lumi-chat/gateway/internal/logging"
	"github.com/lumi-chat/gateway/internal/proto"
	"github.com/lumi-chat/gateway/internal/router"
)

// dispatch routes one post-login packet to its handler, grounded on the
// teacher's Session.dispatch switch. A packet that resolves a pending
// local request (the OFFLINE_SYNC_ACK correlation registered by the
// offline drainer) never reaches the switch (§4.3).
func (s *Session) dispatch(ctx context.Context, pkt *proto.Packet) {
	if s.mux.Resolve(pkt) {
		return
	}

	origin := router.Origin{UserID: s.UserID(), DeviceID: s.DeviceID()}

	switch pkt.Type {
	case proto.OpHeartbeat:
		s.handleHeartbeat(pkt)

	case proto.OpLogout:
		s.handleLogout(pkt)

	case proto.OpChatMessage:
		var in proto.ChatMessagePayload
		if err := pkt.Decode(&in); err != nil {
			s.sendServerError("malformed CHAT_MESSAGE")
			return
		}
		s.SendPacket(s.router.HandleChatMessage(ctx, origin, pkt.Seq, in))

	case proto.OpRecallMessage:
		var in proto.RecallMessagePayload
		if err := pkt.Decode(&in); err != nil {
			s.sendServerError("malformed RECALL_MESSAGE")
			return
		}
		s.SendPacket(s.router.HandleRecallMessage(ctx, origin, pkt.Seq, in))

	case proto.OpTyping:
		var in proto.TypingPayload
		if err := pkt.Decode(&in); err != nil {
			return
		}
		s.router.HandleTyping(ctx, origin, in)

	case proto.OpReadAck:
		var in proto.ReadAckPayload
		if err := pkt.Decode(&in); err != nil {
			return
		}
		s.router.HandleReadAck(ctx, origin, in)

	case proto.OpReaction:
		var in proto.ReactionPayload
		if err := pkt.Decode(&in); err != nil {
			return
		}
		s.router.HandleReaction(ctx, origin, in)

	case proto.OpSyncRequest:
		var in proto.SyncRequestPayload
		if err := pkt.Decode(&in); err != nil {
			s.sendServerError("malformed SYNC_REQUEST")
			return
		}
		s.SendPacket(s.router.HandleSyncRequest(ctx, origin, pkt.Seq, in))

	case proto.OpOnlineStatusRequest:
		s.handleOnlineStatusRequest(pkt)

	case proto.OpOnlineStatusSubscribe:
		// Presence change pushes require a cross-node subscription fabric
		// (G10) not yet wired into this handshake; accepted and logged so
		// a client doesn't see it as a protocol error.
		logging.Infof("gatewaysession: ONLINE_STATUS_SUBSCRIBE from %s/%s not yet wired to presence push", s.UserID(), s.DeviceID())

	default:
		logging.Warnf("gatewaysession: no handler for opcode %d from %s/%s", pkt.Type, s.UserID(), s.DeviceID())
	}
}

// handleHeartbeat implements G7's liveness side: record the beat and
// reply immediately (§4.7). The reaper, not this handler, is responsible
// for closing sessions that stop sending them.
func (s *Session) handleHeartbeat(pkt *proto.Packet) {
	s.mu.Lock()
	s.lastHeartbeatAt = time.Now()
	s.mu.Unlock()

	resp, err := proto.NewPacket(proto.OpHeartbeatResponse, pkt.Seq, nil, time.Now())
	if err != nil {
		return
	}
	s.SendPacket(resp)
}

func (s *Session) handleLogout(pkt *proto.Packet) {
	resp, err := proto.NewPacket(proto.OpLogoutResponse, pkt.Seq, nil, time.Now())
	if err == nil {
		s.SendPacket(resp)
	}
	s.Close()
}

func (s *Session) handleOnlineStatusRequest(pkt *proto.Packet) {
	var in proto.OnlineStatusRequestPayload
	if err := pkt.Decode(&in); err != nil {
		s.sendServerError("malformed ONLINE_STATUS_REQUEST")
		return
	}

	presence := make([]proto.PresenceView, 0, len(in.UserIDs))
	for _, uid := range in.UserIDs {
		presence = append(presence, proto.PresenceView{
			UserID:        uid,
			Online:        s.reg.Online(uid),
			ActiveDevices: s.reg.ActiveDeviceIDs(uid),
		})
	}

	resp, err := proto.NewPacket(proto.OpOnlineStatusResponse, pkt.Seq, proto.OnlineStatusResponsePayload{Presence: presence}, time.Now())
	if err != nil {
		return
	}
	s.SendPacket(resp)
}

// LastHeartbeatAt reports when this Session last received a HEARTBEAT (or
// logged in, if no heartbeat has arrived yet), for the reaper (G7).
func (s *Session) LastHeartbeatAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeatAt
}
