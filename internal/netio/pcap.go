package netio

import (
	"fmt"
	"time"

	"github.com/google/gopacket/pcap"
)

// PacketIO is the raw-Ethernet transport the engine sends MAAP frames
// through and the host loop polls for incoming ones. One instance binds one
// interface.
type PacketIO interface {
	Send(frame []byte) error
	// Recv returns the next available frame, or nil with a nil error if
	// the read timed out without one arriving.
	Recv() ([]byte, error)
	Close() error
}

// bpfFilter restricts capture to the MAAP ethertype, so the host's poll loop
// never wakes for unrelated traffic on a shared interface.
const bpfFilter = "ether proto 0x22F0"

// PcapAdapter is the production PacketIO, backed by libpcap on a live
// interface.
type PcapAdapter struct {
	handle *pcap.Handle
}

// OpenPcapAdapter opens iface in promiscuous mode with a read timeout, the
// same pcap.OpenLive shape used throughout the reference packet-capture
// tooling, filtered to MAAP's ethertype.
func OpenPcapAdapter(iface string, readTimeout time.Duration) (*PcapAdapter, error) {
	handle, err := pcap.OpenLive(iface, 65536, true, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("netio: open %s: %w", iface, err)
	}
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("netio: set bpf filter on %s: %w", iface, err)
	}
	return &PcapAdapter{handle: handle}, nil
}

// Send transmits a complete Ethernet frame.
func (p *PcapAdapter) Send(frame []byte) error {
	return p.handle.WritePacketData(frame)
}

// Recv reads the next frame. A read timeout (pcap.NextErrorTimeoutExpired)
// is reported as a nil frame and nil error, so the host loop treats it as
// "no packet arrived before the deadline"; any other read error is returned.
func (p *PcapAdapter) Recv() ([]byte, error) {
	data, _, err := p.handle.ReadPacketData()
	if err == pcap.NextErrorTimeoutExpired {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("netio: read packet: %w", err)
	}
	return data, nil
}

// Close releases the underlying pcap handle.
func (p *PcapAdapter) Close() error {
	p.handle.Close()
	return nil
}
