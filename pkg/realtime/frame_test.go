package realtime_test

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidylist/tidysync/pkg/realtime"
)

func TestFrameCodec(t *testing.T) {
	c := realtime.Codec()
	data, err := c.Marshal(realtime.Frame{Type: realtime.FrameJoin, Ref: "r1", Topic: "lists_channel", Token: "tok"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, cbor.Unmarshal(data, &raw))
	assert.Equal(t, map[string]any{"type": "join", "ref": "r1", "topic": "lists_channel", "token": "tok"}, raw)

	var f realtime.Frame
	require.NoError(t, c.Unmarshal(data, &f))
	assert.Equal(t, realtime.FrameJoin, f.Type)

	unknown, err := cbor.Marshal(map[string]any{"type": "join", "ref": "r1", "extra": 1})
	require.NoError(t, err)
	assert.Error(t, c.Unmarshal(unknown, &f))
}
