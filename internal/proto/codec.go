package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxFrameBytes is the default MAX_FRAME_BYTES (§6.4).
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned by Codec.Decode when a frame exceeds the
// configured maximum size. The caller replies SERVER_ERROR and, per §4.2,
// closes the connection (oversize frames are not merely logged and
// dropped like unknown opcodes).
var ErrFrameTooLarge = errors.New("proto: frame exceeds max size")

// ErrMalformed is returned when a frame cannot be parsed as a Packet at
// all (not even valid JSON, or missing required fields).
var ErrMalformed = errors.New("proto: malformed frame")

// Codec encodes and decodes Packets for a single connection. It guarantees
// round-trip preservation of Seq and enforces MaxFrameBytes (§4.2).
type Codec struct {
	MaxFrameBytes int
}

// NewCodec builds a Codec with the given frame size limit, or
// DefaultMaxFrameBytes if maxFrameBytes <= 0.
func NewCodec(maxFrameBytes int) *Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Codec{MaxFrameBytes: maxFrameBytes}
}

// Decode parses a raw frame into a Packet. It does not reject unknown
// opcodes -- callers must check Packet.Type.Known() themselves and log +
// drop per the contract, since an unknown opcode is not a codec-level
// error.
func (c *Codec) Decode(raw []byte) (*Packet, error) {
	if len(raw) > c.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &p, nil
}

// Encode serializes a Packet to a JSON frame. It refuses to emit a frame
// exceeding MaxFrameBytes so the server never forces a client to enforce
// the same limit against itself.
func (c *Codec) Encode(p *Packet) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if len(b) > c.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	return b, nil
}
