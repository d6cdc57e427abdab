// Package maap provides wire constants and PDU encoding for the MAC Address
// Acquisition Protocol (IEEE 1722-2016 Annex B).
package maap

import (
	"net"
	"time"
)

// MessageType identifies the kind of MAAP PDU (IEEE 1722-2016 Annex B.2.2).
type MessageType uint8

const (
	MessageTypeProbe    MessageType = 1
	MessageTypeDefend   MessageType = 2
	MessageTypeAnnounce MessageType = 3
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeProbe:
		return "PROBE"
	case MessageTypeDefend:
		return "DEFEND"
	case MessageTypeAnnounce:
		return "ANNOUNCE"
	default:
		return "UNKNOWN"
	}
}

// AVTP subtype and version fields (IEEE 1722-2016 §6).
const (
	Subtype        uint8 = 0xFE
	AVTPVersion    uint8 = 0
	MaapVersion    uint8 = 0
	MaapDataLength uint16 = 16

	// EtherType for AVTP-carried protocols, including MAAP.
	EtherType uint16 = 0x22F0

	// FrameLen is the total length of a MAAP Ethernet frame in bytes.
	FrameLen = 42
)

// DestMAC is the well-known MAAP destination multicast address.
func DestMAC() net.HardwareAddr {
	return net.HardwareAddr{0x91, 0xE0, 0xF0, 0x00, 0xFF, 0x00}
}

// Timer constants (IEEE 1722-2016 Annex B.3, Table B.2).
const (
	// ProbeRetransmits is the number of Probe messages sent before a range
	// moves from Probing to Defending.
	ProbeRetransmits = 3

	ProbeIntervalBase      = 500 * time.Millisecond
	ProbeIntervalVariation = 100 * time.Millisecond

	AnnounceIntervalBase      = 30000 * time.Millisecond
	AnnounceIntervalVariation = 2000 * time.Millisecond
)

// Dynamic pool bounds (IEEE 1722-2016 Annex B.3): the block of multicast
// addresses available for dynamic claim via MAAP.
var (
	// PoolBase is 91:E0:F0:00:00:00, the first address of the dynamic pool.
	PoolBase = HWAddrToUint64(net.HardwareAddr{0x91, 0xE0, 0xF0, 0x00, 0x00, 0x00})
	// PoolLen is the number of addresses in the dynamic pool (0xFE00 = 65024).
	PoolLen uint64 = 0xFE00
)

// HWAddrToUint64 encodes a 6-byte MAC address as a zero-extended uint64,
// matching the byte layout the wire format uses for addresses and stream IDs.
func HWAddrToUint64(a net.HardwareAddr) uint64 {
	var v uint64
	for _, b := range a {
		v = v<<8 | uint64(b)
	}
	return v
}

// Uint64ToHWAddr decodes a zero-extended uint64 back into a 6-byte MAC address.
func Uint64ToHWAddr(v uint64) net.HardwareAddr {
	b := make(net.HardwareAddr, 6)
	for i := 5; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
