// Package icmp builds and parses ICMP Echo packets and probes endpoint
// reachability with them.
//
// Echo packet layout (RFC 792):
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     Type      |     Code      |          Checksum             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|           Identifier          |        Sequence Number        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                             Payload                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
package icmp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/net/ipv4"
)

const (
	// HeaderLen is the size of the ICMP echo header.
	HeaderLen = 8

	// ipv4MinHeaderLen is the size of an IPv4 header without options.
	ipv4MinHeaderLen = 20
)

// Echo message types for IPv4.
var (
	TypeEchoRequest = uint8(ipv4.ICMPTypeEcho)
	TypeEchoReply   = uint8(ipv4.ICMPTypeEchoReply)
)

// ErrMalformed is returned for packets that are too short, carry a bad IPv4
// header length or fail checksum verification.
var ErrMalformed = errors.New("malformed icmp packet")

// EchoPacket is a decoded ICMP echo request or reply.
type EchoPacket struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	ID       uint16
	Seq      uint16
	Payload  []byte
}

// Marshal encodes the packet, computing the checksum over the header and
// payload with the checksum field zeroed. The Checksum field of p is ignored.
func (p EchoPacket) Marshal() []byte {
	b := make([]byte, HeaderLen+len(p.Payload))
	b[0] = p.Type
	b[1] = p.Code
	// b[2:4] stays zero while the checksum is computed.
	binary.BigEndian.PutUint16(b[4:6], p.ID)
	binary.BigEndian.PutUint16(b[6:8], p.Seq)
	copy(b[HeaderLen:], p.Payload)

	binary.BigEndian.PutUint16(b[2:4], Checksum(b))
	return b
}

// Matches reports whether p is the echo reply for the given identifier and
// sequence number.
func (p EchoPacket) Matches(id, seq uint16) bool {
	return p.Type == TypeEchoReply && p.ID == id && p.Seq == seq
}

// BuildEchoRequest assembles an echo request carrying payload.
func BuildEchoRequest(id, seq uint16, payload []byte) []byte {
	return EchoPacket{Type: TypeEchoRequest, ID: id, Seq: seq, Payload: payload}.Marshal()
}

// ParseEchoReply decodes b as an ICMP echo packet. When b starts with an IPv4
// header (as raw sockets deliver on some platforms) the header is skipped
// using its IHL field. The checksum is verified; the caller decides whether
// the packet is a reply it is waiting for with EchoPacket.Matches.
func ParseEchoReply(b []byte) (EchoPacket, error) {
	if len(b) > 0 && b[0]>>4 == 4 {
		ihl := int(b[0]&0x0F) * 4
		if ihl < ipv4MinHeaderLen || len(b) < ihl {
			return EchoPacket{}, fmt.Errorf("%w: bad ipv4 header length %d", ErrMalformed, ihl)
		}
		b = b[ihl:]
	}

	if len(b) < HeaderLen {
		return EchoPacket{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	if Checksum(b) != 0 {
		return EchoPacket{}, fmt.Errorf("%w: checksum mismatch", ErrMalformed)
	}

	payload := make([]byte, len(b)-HeaderLen)
	copy(payload, b[HeaderLen:])

	return EchoPacket{
		Type:     b[0],
		Code:     b[1],
		Checksum: binary.BigEndian.Uint16(b[2:4]),
		ID:       binary.BigEndian.Uint16(b[4:6]),
		Seq:      binary.BigEndian.Uint16(b[6:8]),
		Payload:  payload,
	}, nil
}

// Checksum computes the Internet checksum (RFC 1071) of b:
//  1. Sum all 16-bit big-endian words, padding an odd trailing byte with a
//     zero low byte.
//  2. Fold the carries back into the low 16 bits until none remain.
//  3. Take the one's complement.
//
// Computed over a packet that already carries its checksum, the result is 0.
// Empty input yields 0xFFFF.
func Checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 != 0 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
