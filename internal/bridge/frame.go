package bridge

import (
	"encoding/json"
	"fmt"
)

// Tag identifies one of the logical streams multiplexed on a channel.
type Tag string

const (
	TagTerminal Tag = "terminal"
	TagChat     Tag = "chat"
	TagStatus   Tag = "status"
)

// Tags is the closed set of logical streams, in the fixed order the write
// pump uses for round-robin.
var Tags = []Tag{TagTerminal, TagChat, TagStatus}

func (t Tag) Valid() bool {
	return t == TagTerminal || t == TagChat || t == TagStatus
}

// Frame is one message on a logical stream. Seq is assigned by the sender
// and increases monotonically per (connection, tag). Payload is opaque to
// the bridge: raw bytes for terminal, structured events for chat and status.
type Frame struct {
	Tag     Tag             `json:"tag"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// envelope is the wire form. A frame has Tag set; a resume control message
// has Tag empty and Resume set to the per-tag last-delivered sequence
// numbers. The bridge sends exactly one resume envelope after each
// (re)connect, before any frames.
type envelope struct {
	Tag     Tag             `json:"tag,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Resume  map[Tag]uint64  `json:"resume,omitempty"`
}

// resumeEnvelope is the marshal form of the handshake. A separate type so
// an empty resume map (first connect, nothing delivered yet) still encodes
// as {"resume":{}} instead of being omitted.
type resumeEnvelope struct {
	Resume map[Tag]uint64 `json:"resume"`
}

func (e *envelope) isResume() bool {
	return e.Tag == "" && e.Resume != nil
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.isResume() && !env.Tag.Valid() {
		return nil, fmt.Errorf("unrecognized tag %q", env.Tag)
	}
	return &env, nil
}
