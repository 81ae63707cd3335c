package proto

import (
	"encoding/json"
	"time"
)

// Packet is the single JSON object carried by every WebSocket text frame
// (§6.1). Data is kept as raw JSON so handlers can unmarshal it into the
// payload shape appropriate for Type.
type Packet struct {
	Type      Opcode          `json:"type"`
	Seq       string          `json:"seq"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewPacket marshals payload into Data and stamps Timestamp with now.
func NewPacket(typ Opcode, seq string, payload interface{}, now time.Time) (*Packet, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Packet{Type: typ, Seq: seq, Data: raw, Timestamp: now.UnixMilli()}, nil
}

// Decode unmarshals payload into v.
func (p *Packet) Decode(v interface{}) error {
	if len(p.Data) == 0 {
		return nil
	}
	return json.Unmarshal(p.Data, v)
}
