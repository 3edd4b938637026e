package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameLayout(t *testing.T) {
	frame := EncodeFrame([]byte(`{"message":"ACK"}`))

	assert.Equal(t, byte(STX), frame[0])
	assert.Equal(t, byte(LF), frame[1])
	assert.Equal(t, byte(LF), frame[len(frame)-3])
	assert.Equal(t, byte(ETX), frame[len(frame)-2])
	assert.Equal(t, byte(LF), frame[len(frame)-1])
}

func TestDecoderRoundTrip(t *testing.T) {
	env := NewCommand("Sale", "1", "000042", &CommandPayload{
		Transaction: map[string]interface{}{"baseAmount": "10.00"},
	})
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	var dec Decoder
	frames := dec.Feed(EncodeFrame(payload))
	require.Len(t, frames, 1)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(frames[0].Payload, &decoded))
	assert.Equal(t, env, decoded)
}

func TestDecoderSplitAcrossChunks(t *testing.T) {
	frame := EncodeFrame([]byte(`{"message":"MSG","data":{}}`))

	var dec Decoder
	assert.Empty(t, dec.Feed(frame[:3]))
	assert.Greater(t, dec.Pending(), 0)
	assert.Empty(t, dec.Feed(frame[3:10]))
	frames := dec.Feed(frame[10:])
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"message":"MSG","data":{}}`, string(frames[0].Payload))
}

func TestDecoderDiscardsGarbagePrefix(t *testing.T) {
	var dec Decoder
	chunk := append([]byte("noise\r\n\x00"), EncodeFrame([]byte(`{"message":"ACK"}`))...)
	frames := dec.Feed(chunk)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"message":"ACK"}`, string(frames[0].Payload))
	assert.Equal(t, 0, dec.Pending())
}

func TestDecoderScrubsEmbeddedControlBytes(t *testing.T) {
	// Some terminals insert a stray LF mid-payload.
	payload := []byte("{\"message\":\n\"ACK\"\r}")
	var dec Decoder
	frames := dec.Feed(EncodeFrame(payload))
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"message":"ACK"}`, string(frames[0].Payload))
}

func TestDecoderMultipleFramesOneChunk(t *testing.T) {
	chunk := append(EncodeFrame([]byte(`{"message":"ACK"}`)), EncodeFrame([]byte(`{"message":"MSG"}`))...)
	var dec Decoder
	frames := dec.Feed(chunk)
	require.Len(t, frames, 2)
}

func TestDecoderResyncsAfterBadJSON(t *testing.T) {
	chunk := append(EncodeFrame([]byte(`{not json`)), EncodeFrame([]byte(`{"message":"MSG"}`))...)
	var dec Decoder
	frames := dec.Feed(chunk)
	require.Len(t, frames, 2)

	var bad Response
	assert.Error(t, json.Unmarshal(frames[0].Payload, &bad))
	var good Response
	require.NoError(t, json.Unmarshal(frames[1].Payload, &good))
	assert.Equal(t, MsgMSG, good.Message)
}

func TestDecoderInterFrameFillers(t *testing.T) {
	chunk := append([]byte{LF, LF}, EncodeFrame([]byte(`{"message":"ACK"}`))...)
	chunk = append(chunk, LF, LF)
	var dec Decoder
	frames := dec.Feed(chunk)
	require.Len(t, frames, 1)
	assert.Equal(t, 0, dec.Pending())
}

func TestIsFinalAllowList(t *testing.T) {
	for _, m := range []string{MsgMSG, MsgRSP, MsgERR} {
		assert.True(t, IsFinal(m), m)
	}
	for _, m := range []string{MsgACK, MsgEVT, MsgDSP, MsgPIN, MsgCNF, MsgREADY, "WEIRD"} {
		assert.False(t, IsFinal(m), m)
	}
}

func TestNewRequestIDFormat(t *testing.T) {
	id := NewRequestID()
	assert.Len(t, id, 6)
	for _, c := range id {
		assert.True(t, c >= '0' && c <= '9')
	}
}
