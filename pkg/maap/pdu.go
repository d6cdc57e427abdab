package maap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrNotMaap is returned by Decode when the frame's ethertype or AVTP
// subtype identify it as not belonging to MAAP at all — distinct from a
// decode error, so the host can fast-reject and dispatch elsewhere. The
// destination MAC is not checked.
var ErrNotMaap = errors.New("maap: not a MAAP frame")

// MalformedPduError reports a frame that looked like MAAP (right ethertype)
// but failed to parse: too short, bad version, unknown message type, or a
// length field that doesn't match the wire constant.
type MalformedPduError struct {
	Reason string
}

func (e *MalformedPduError) Error() string {
	return fmt.Sprintf("maap: malformed PDU: %s", e.Reason)
}

func malformed(reason string) error {
	return &MalformedPduError{Reason: reason}
}

// PDU is the decoded form of a 42-byte MAAP Ethernet frame.
type PDU struct {
	DestMAC     net.HardwareAddr
	SrcMAC      net.HardwareAddr
	MessageType MessageType
	StreamID    uint64 // sender identity; conventionally SrcMAC zero-extended

	RequestStart uint64 // start address of the requested/defended range
	RequestCount uint16

	ConflictStart uint64 // start address of the conflicting range, if any
	ConflictCount uint16
}

// field offsets within the 42-byte frame.
const (
	offDestMAC     = 0
	offSrcMAC      = 6
	offEtherType   = 12
	offSubtype     = 14
	offSVVerMsg    = 15
	offMaapVerLen  = 16
	offStreamID    = 18
	offReqStart    = 26
	offReqCount    = 32
	offConflStart  = 34
	offConflCount  = 40
)

// Decode parses a raw Ethernet frame into a PDU. It returns ErrNotMaap when
// the frame plainly isn't MAAP (wrong ethertype or subtype), and a *MalformedPduError
// for anything that looks like MAAP but fails to parse.
func Decode(buf []byte) (*PDU, error) {
	if len(buf) < 14 {
		return nil, malformed("frame shorter than an Ethernet header")
	}

	etherType := binary.BigEndian.Uint16(buf[offEtherType : offEtherType+2])
	if etherType != EtherType {
		return nil, ErrNotMaap
	}

	if len(buf) < FrameLen {
		return nil, malformed(fmt.Sprintf("frame too short for MAAP: %d bytes, want %d", len(buf), FrameLen))
	}

	if buf[offSubtype] != Subtype {
		return nil, ErrNotMaap
	}

	svVerMsg := buf[offSVVerMsg]
	version := (svVerMsg >> 4) & 0x7
	msgType := MessageType(svVerMsg & 0x0F)
	if version != AVTPVersion {
		return nil, malformed(fmt.Sprintf("unsupported AVTP version %d", version))
	}
	switch msgType {
	case MessageTypeProbe, MessageTypeDefend, MessageTypeAnnounce:
	default:
		return nil, malformed(fmt.Sprintf("unknown message type %d", msgType))
	}

	verLen := binary.BigEndian.Uint16(buf[offMaapVerLen : offMaapVerLen+2])
	maapVer := (verLen >> 11) & 0x1F
	dataLen := verLen & 0x7FF
	if uint16(maapVer) != uint16(MaapVersion) {
		return nil, malformed(fmt.Sprintf("unsupported MAAP version %d", maapVer))
	}
	if dataLen != MaapDataLength {
		return nil, malformed(fmt.Sprintf("maap_data_length %d != %d", dataLen, MaapDataLength))
	}

	p := &PDU{
		DestMAC:     append(net.HardwareAddr(nil), buf[offDestMAC:offDestMAC+6]...),
		SrcMAC:      append(net.HardwareAddr(nil), buf[offSrcMAC:offSrcMAC+6]...),
		MessageType: msgType,
		StreamID:    binary.BigEndian.Uint64(buf[offStreamID : offStreamID+8]),

		RequestStart: be48(buf[offReqStart : offReqStart+6]),
		RequestCount: binary.BigEndian.Uint16(buf[offReqCount : offReqCount+2]),

		ConflictStart: be48(buf[offConflStart : offConflStart+6]),
		ConflictCount: binary.BigEndian.Uint16(buf[offConflCount : offConflCount+2]),
	}
	return p, nil
}

// Encode serializes the PDU into a 42-byte MAAP Ethernet frame.
func (p *PDU) Encode() ([]byte, error) {
	if len(p.SrcMAC) != 6 {
		return nil, malformed("source MAC must be 6 bytes")
	}
	buf := make([]byte, FrameLen)

	dst := p.DestMAC
	if dst == nil {
		dst = DestMAC()
	}
	copy(buf[offDestMAC:offDestMAC+6], dst)
	copy(buf[offSrcMAC:offSrcMAC+6], p.SrcMAC)
	binary.BigEndian.PutUint16(buf[offEtherType:offEtherType+2], EtherType)
	buf[offSubtype] = Subtype
	buf[offSVVerMsg] = (AVTPVersion << 4) | (byte(p.MessageType) & 0x0F)
	binary.BigEndian.PutUint16(buf[offMaapVerLen:offMaapVerLen+2], (uint16(MaapVersion)<<11)|MaapDataLength)
	binary.BigEndian.PutUint64(buf[offStreamID:offStreamID+8], p.StreamID)

	putBE48(buf[offReqStart:offReqStart+6], p.RequestStart)
	binary.BigEndian.PutUint16(buf[offReqCount:offReqCount+2], p.RequestCount)

	putBE48(buf[offConflStart:offConflStart+6], p.ConflictStart)
	binary.BigEndian.PutUint16(buf[offConflCount:offConflCount+2], p.ConflictCount)

	return buf, nil
}

// RequestEnd returns the half-open end of the requested range (start+count).
func (p *PDU) RequestEnd() uint64 {
	return p.RequestStart + uint64(p.RequestCount)
}

// ConflictEnd returns the half-open end of the conflict range.
func (p *PDU) ConflictEnd() uint64 {
	return p.ConflictStart + uint64(p.ConflictCount)
}

func be48(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func putBE48(buf []byte, v uint64) {
	for i := 5; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
}
