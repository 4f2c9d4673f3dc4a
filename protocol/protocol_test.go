package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeRoundTrip(t *testing.T) {
	for _, s := range []string{"plain", "a|b", "a,b", `back\slash`, "line\nbreak", `trailing\`} {
		pkt, err := ParsePacket(FormatPacket("msg", "dest", s))
		require.NoError(t, err)
		assert.Equal(t, "msg", pkt.Type)
		assert.Equal(t, "dest", pkt.Destination)
		assert.Equal(t, s, pkt.Content, "content %q", s)
	}
}

func TestParsePacketShapes(t *testing.T) {
	pkt, err := ParsePacket("ping\n")
	require.NoError(t, err)
	assert.Equal(t, "ping", pkt.Type)
	assert.Empty(t, pkt.Content)

	pkt, err = ParsePacket("ok|payload")
	require.NoError(t, err)
	assert.Empty(t, pkt.Destination)
	assert.Equal(t, "payload", pkt.Content)

	_, err = ParsePacket("\n")
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestLineCodecKeepsOpaquePayload(t *testing.T) {
	data := json.RawMessage(`{"sdp":"v=0\r\no=- 1 2 IN IP4 0.0.0.0|x,y"}`)
	env := MustEnvelope(EventCallSignal, CallSignalPayload{CallID: "c1", Data: data})
	env.ID = "req-7"

	decoded, err := DecodeLine(EncodeLine(env))
	require.NoError(t, err)
	assert.Equal(t, EventCallSignal, decoded.Event)
	assert.Equal(t, "req-7", decoded.ID)

	var p CallSignalPayload
	require.NoError(t, decoded.Decode(&p))
	assert.Equal(t, "c1", p.CallID)
	assert.JSONEq(t, string(data), string(p.Data))
}

func TestDecodeLineRejectsInvalidJSON(t *testing.T) {
	_, err := DecodeLine("new_message|1|{not json")
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestEncodeLineWithoutPayload(t *testing.T) {
	line := EncodeLine(Envelope{Event: EventPong})
	env, err := DecodeLine(line)
	require.NoError(t, err)
	assert.Equal(t, EventPong, env.Event)
	assert.Equal(t, "null", string(env.Payload))
}
