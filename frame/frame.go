// Package frame implements the wire framing: a fixed 25-byte little-endian
// header (flag, length, rid, sid, seqid) followed by an opaque payload,
// multiplexing many logical streams over one UDP socket.
package frame

import (
	"encoding/binary"
	"fmt"
)

// Flag identifies the purpose of a frame.
type Flag byte

const (
	// SYN advisedly opens a stream; the server does not acknowledge it.
	SYN Flag = iota
	// PSH carries one payload fragment.
	PSH
	// DNE marks end-of-response for the sending side's current burst.
	DNE
	// FIN tears down a stream.
	FIN
	// NOP is reserved and currently unused.
	NOP
)

func (f Flag) String() string {
	switch f {
	case SYN:
		return "SYN"
	case PSH:
		return "PSH"
	case DNE:
		return "DNE"
	case FIN:
		return "FIN"
	case NOP:
		return "NOP"
	default:
		return fmt.Sprintf("Flag(%d)", byte(f))
	}
}

// SIDLen is the byte length of a stream id.
const SIDLen = 16

// HeaderLen is the fixed on-wire header size: 1 (flag) + 2 (length) +
// 4 (rid) + 16 (sid) + 2 (seqid).
const HeaderLen = 1 + 2 + 4 + SIDLen + 2

// SID is a random 128-bit value scoping a conversation.
type SID [SIDLen]byte

// Frame is a single datagram: header fields plus an opaque payload.
type Frame struct {
	Flag    Flag
	RID     uint32
	SID     SID
	SeqID   uint16
	Payload []byte
}

// Build returns the serialized byte sequence for a frame with the given
// fields. Non-PSH frames carry no payload regardless of what is passed in.
func Build(flag Flag, sid SID, rid uint32, seqid uint16, payload []byte) []byte {
	if flag != PSH {
		payload = nil
	}
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = byte(flag)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(payload)))
	binary.LittleEndian.PutUint32(buf[3:7], rid)
	copy(buf[7:7+SIDLen], sid[:])
	binary.LittleEndian.PutUint16(buf[7+SIDLen:HeaderLen], seqid)
	copy(buf[HeaderLen:], payload)
	return buf
}

// Header is the parsed fixed-layout portion of a received datagram. Payload
// is a slice into the original buffer — ParseHeader never copies it.
type Header struct {
	Flag    Flag
	Length  uint16
	RID     uint32
	SID     SID
	SeqID   uint16
	Payload []byte
}

// ErrShortHeader is returned when fewer than HeaderLen bytes are available.
var ErrShortHeader = fmt.Errorf("frame: datagram shorter than %d byte header", HeaderLen)

// ErrOversizeLength is returned when the header's length field claims more
// payload than the datagram actually carries.
var ErrOversizeLength = fmt.Errorf("frame: declared length exceeds datagram size")

// ParseHeader parses the first HeaderLen bytes of buf and exposes the flag,
// length, rid, sid, and seqid without copying the payload.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	var h Header
	h.Flag = Flag(buf[0])
	h.Length = binary.LittleEndian.Uint16(buf[1:3])
	h.RID = binary.LittleEndian.Uint32(buf[3:7])
	copy(h.SID[:], buf[7:7+SIDLen])
	h.SeqID = binary.LittleEndian.Uint16(buf[7+SIDLen : HeaderLen])

	if int(h.Length) > len(buf)-HeaderLen {
		return Header{}, ErrOversizeLength
	}
	h.Payload = buf[HeaderLen : HeaderLen+int(h.Length)]
	return h, nil
}
