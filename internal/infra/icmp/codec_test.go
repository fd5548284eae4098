package icmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want uint16
	}{
		{name: "empty", in: nil, want: 0xFFFF},
		{name: "single zero word", in: []byte{0x00, 0x00}, want: 0xFFFF},
		{name: "odd length pads low byte", in: []byte{0x01}, want: ^uint16(0x0100)},
		{name: "carry folds", in: []byte{0xFF, 0xFF, 0x00, 0x01}, want: ^uint16(0x0001)},
		// RFC 1071 section 3 example.
		{name: "rfc example", in: []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}, want: ^uint16(0xddf2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Checksum(tt.in))
		})
	}
}

func TestBuildEchoRequest_ChecksumVerifies(t *testing.T) {
	payloads := [][]byte{nil, {0x01}, []byte("GATEKEEPER-PING"), make([]byte, 57)}
	for _, payload := range payloads {
		pkt := BuildEchoRequest(0x1234, 7, payload)
		require.Len(t, pkt, HeaderLen+len(payload))
		assert.Equal(t, uint16(0), Checksum(pkt), "checksum over a complete packet must be zero")
	}
}

func TestBuildEchoRequest_MatchesXNet(t *testing.T) {
	payload := []byte("GATEKEEPER-PING\x00\x00\x00\x00\x00\x00\x00\x01")
	pkt := BuildEchoRequest(0xBEEF, 42, payload)

	msg, err := icmp.ParseMessage(1, pkt)
	require.NoError(t, err)
	assert.Equal(t, ipv4.ICMPTypeEcho, msg.Type)
	assert.Equal(t, 0, msg.Code)

	echo, ok := msg.Body.(*icmp.Echo)
	require.True(t, ok)
	assert.Equal(t, 0xBEEF, echo.ID)
	assert.Equal(t, 42, echo.Seq)
	assert.Equal(t, payload, echo.Data)

	want, err := (&icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: 0xBEEF, Seq: 42, Data: payload},
	}).Marshal(nil)
	require.NoError(t, err)
	assert.Equal(t, want, pkt)
}

func reply(id, seq uint16, payload []byte) []byte {
	return EchoPacket{Type: TypeEchoReply, ID: id, Seq: seq, Payload: payload}.Marshal()
}

func withIPv4Header(ihlWords int, icmpPkt []byte) []byte {
	hdr := make([]byte, ihlWords*4)
	hdr[0] = 0x40 | byte(ihlWords)
	hdr[9] = 1
	return append(hdr, icmpPkt...)
}

func TestParseEchoReply(t *testing.T) {
	payload := []byte("hello")

	t.Run("bare icmp", func(t *testing.T) {
		p, err := ParseEchoReply(reply(9, 3, payload))
		require.NoError(t, err)
		assert.Equal(t, TypeEchoReply, p.Type)
		assert.Equal(t, uint16(9), p.ID)
		assert.Equal(t, uint16(3), p.Seq)
		assert.Equal(t, payload, p.Payload)
		assert.True(t, p.Matches(9, 3))
	})

	t.Run("strips ipv4 header", func(t *testing.T) {
		p, err := ParseEchoReply(withIPv4Header(5, reply(9, 3, payload)))
		require.NoError(t, err)
		assert.True(t, p.Matches(9, 3))
		assert.Equal(t, payload, p.Payload)
	})

	t.Run("strips ipv4 header with options", func(t *testing.T) {
		p, err := ParseEchoReply(withIPv4Header(6, reply(9, 3, payload)))
		require.NoError(t, err)
		assert.True(t, p.Matches(9, 3))
	})

	t.Run("bad ihl", func(t *testing.T) {
		b := withIPv4Header(5, reply(9, 3, payload))
		b[0] = 0x43
		_, err := ParseEchoReply(b)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("truncated ipv4 header", func(t *testing.T) {
		_, err := ParseEchoReply([]byte{0x45, 0x00, 0x00})
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := ParseEchoReply([]byte{0x00, 0x00, 0xFF, 0xFF})
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		b := reply(9, 3, payload)
		b[len(b)-1] ^= 0xFF
		_, err := ParseEchoReply(b)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestEchoPacketMatches(t *testing.T) {
	p := EchoPacket{Type: TypeEchoReply, ID: 10, Seq: 2}

	assert.True(t, p.Matches(10, 2))
	assert.False(t, p.Matches(11, 2), "foreign identifier")
	assert.False(t, p.Matches(10, 3), "stale sequence")

	req := EchoPacket{Type: TypeEchoRequest, ID: 10, Seq: 2}
	assert.False(t, req.Matches(10, 2), "requests are never replies")
}
