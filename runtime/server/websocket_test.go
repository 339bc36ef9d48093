package server_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socketley/runtime/server"
)

func TestComputeAcceptKeyKnownVector(t *testing.T) {
	// RFC 6455's own sample nonce and expected accept value.
	got := server.ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestUnmaskXORLaw(t *testing.T) {
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	payload := []byte("hello, websocket world, this payload is longer than eight bytes")

	masked := make([]byte, len(payload))
	copy(masked, payload)
	for i := range masked {
		masked[i] ^= key[i%4]
	}

	server.Unmask(masked, key)
	assert.Equal(t, payload, masked, "unmasking a masked payload must recover the original bytes")
}

func TestParseFrameRejectsFragmentation(t *testing.T) {
	// FIN=0, opcode=text: first byte 0x01.
	buf := bytes.NewReader([]byte{0x01, 0x80, 0, 0, 0, 0})
	_, err := server.ParseFrame(buf)
	assert.ErrorIs(t, err, server.ErrFragmentedFrame)
}

func TestParseFrameRejectsOversizeControl(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	payload := make([]byte, 126)
	frame := encodeMaskedControl(t, server.OpcodePing, payload, key)
	_, err := server.ParseFrame(bytes.NewReader(frame))
	assert.ErrorIs(t, err, server.ErrControlTooLarge)
}

func TestParseFrameRoundTrip(t *testing.T) {
	key := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	payload := []byte("round trip payload")
	frame := encodeMasked(t, server.OpcodeText, payload, key)

	f, err := server.ParseFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, server.OpcodeText, f.Opcode)
	assert.Equal(t, payload, f.Payload)
}

func TestEncodeFrameNeverMasks(t *testing.T) {
	out := server.EncodeText([]byte("hi"))
	assert.Equal(t, byte(0x81), out[0]) // FIN + text opcode
	assert.Equal(t, byte(0x02), out[1]) // no mask bit, length 2
}

func encodeMasked(t *testing.T, opcode byte, payload []byte, key [4]byte) []byte {
	t.Helper()
	return encodeMaskedControl(t, opcode, payload, key)
}

func encodeMaskedControl(t *testing.T, opcode byte, payload []byte, key [4]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteByte(0x80 | opcode)

	if len(payload) <= 125 {
		buf.WriteByte(0x80 | byte(len(payload)))
	} else {
		buf.WriteByte(0x80 | 126)
		buf.WriteByte(byte(len(payload) >> 8))
		buf.WriteByte(byte(len(payload)))
	}

	buf.Write(key[:])

	masked := make([]byte, len(payload))
	copy(masked, payload)
	for i := range masked {
		masked[i] ^= key[i%4]
	}
	buf.Write(masked)

	return buf.Bytes()
}
