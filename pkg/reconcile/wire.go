package reconcile

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/tidylist/tidysync/internal/codec"
	"github.com/tidylist/tidysync/pkg/models"
)

// ErrEmptyPayload is returned by Decode for payload-less messages, which
// only signal that the collection changed.
var ErrEmptyPayload = errors.New("reconcile: empty payload")

// envelope is the broadcast payload of a change event.
type envelope struct {
	Action models.Action   `cbor:"action"`
	Kind   models.Kind     `cbor:"kind"`
	Item   cbor.RawMessage `cbor:"item"`
	TempID models.ID       `cbor:"temp_id,omitempty"`
}

var (
	wireCodec   = codec.NewCBOR(false)
	strictCodec = codec.NewCBOR(true)
)

// Encode serializes ev for broadcasting.
func Encode[R models.Record[R]](ev models.ChangeEvent[R]) ([]byte, error) {
	item, err := wireCodec.Marshal(ev.Record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record: %w", ev.Record.Kind(), err)
	}
	return wireCodec.Marshal(envelope{
		Action: ev.Action,
		Kind:   ev.Record.Kind(),
		Item:   item,
		TempID: ev.CorrelationID,
	})
}

// Decode parses a broadcast payload into an event for kind R. Unknown record
// fields and kind mismatches are anomalies.
func Decode[R models.Record[R]](payload []byte) (models.ChangeEvent[R], error) {
	var ev models.ChangeEvent[R]
	if len(payload) == 0 {
		return ev, ErrEmptyPayload
	}

	var env envelope
	if err := wireCodec.Unmarshal(payload, &env); err != nil {
		return ev, fmt.Errorf("%w: %w", ErrAnomaly, err)
	}
	if want := ev.Record.Kind(); env.Kind != want {
		return ev, fmt.Errorf("%w: got %q record on a %q collection", ErrAnomaly, env.Kind, want)
	}
	if len(env.Item) == 0 {
		return ev, fmt.Errorf("%w: %s event without item", ErrAnomaly, env.Action)
	}
	if err := strictCodec.Unmarshal(env.Item, &ev.Record); err != nil {
		return ev, fmt.Errorf("%w: %w", ErrAnomaly, err)
	}
	ev.Action = env.Action
	ev.CorrelationID = env.TempID
	return ev, nil
}
