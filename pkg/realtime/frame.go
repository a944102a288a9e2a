// Package realtime carries notifier channels over a WebSocket connection to
// a broadcast relay.
//
// Every frame is a CBOR map. A client joins a topic with a join frame and
// the relay acknowledges it with a joined frame carrying the same ref.
// Broadcasts are fanned out to every member of the topic, the sender
// included, each copy carrying the receiving member's ref.
package realtime

import "github.com/tidylist/tidysync/internal/codec"

type FrameType string

const (
	FrameJoin      FrameType = "join"
	FrameJoined    FrameType = "joined"
	FrameLeave     FrameType = "leave"
	FrameBroadcast FrameType = "broadcast"
	FrameError     FrameType = "error"
)

// Frame is the unit exchanged between client and relay.
type Frame struct {
	Type    FrameType `cbor:"type"`
	Ref     string    `cbor:"ref,omitempty"`
	Topic   string    `cbor:"topic,omitempty"`
	Event   string    `cbor:"event,omitempty"`
	Payload []byte    `cbor:"payload,omitempty"`
	// Token authorizes a join.
	Token string `cbor:"token,omitempty"`
	Error string `cbor:"error,omitempty"`
}

// Codec is the frame codec shared by client and relay.
func Codec() codec.Codec {
	return codec.NewCBOR(true)
}
