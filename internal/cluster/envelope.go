package cluster

import "github.com/lumi-chat/gateway/internal/proto"

// envelopeType distinguishes the small inter-node protocol from the
// client-facing one in internal/proto; it never reaches a client.
type envelopeType string

const (
	envPresenceOnline  envelopeType = "online"
	envPresenceOffline envelopeType = "offline"
	envDeliver         envelopeType = "deliver"
)

// envelope is one message on a node-to-node link (§4.10): either a
// presence gossip update or a packet to deliver to a local session on
// the receiving node.
type envelope struct {
	Type     envelopeType  `json:"type"`
	Node     string        `json:"node"`               // origin node name
	UserID   string        `json:"userId"`
	DeviceID string        `json:"deviceId,omitempty"` // set on presence-online
	Packet   *proto.Packet `json:"packet,omitempty"`   // set on deliver
}
