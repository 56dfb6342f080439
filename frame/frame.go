// Package frame builds and parses Ethernet/IPv4/UDP frames.
package frame

import (
	"encoding/binary"
	"errors"
	"net"
)

const (
	EthHdrLen = 14
	IPHdrMin  = 20
	UDPHdrLen = 8

	// HeadersLen is the header overhead of frames built by BuildUDP.
	HeadersLen = EthHdrLen + IPHdrMin + UDPHdrLen

	EtherTypeIPv4 = 0x0800
	ProtoUDP      = 17
)

var (
	ErrShortFrame  = errors.New("frame shorter than ethernet header")
	ErrNotIPv4     = errors.New("ethertype is not IPv4")
	ErrShortIPv4   = errors.New("truncated IPv4 header")
	ErrBadIPv4     = errors.New("malformed IPv4 header")
	ErrNotUDP      = errors.New("IP protocol is not UDP")
	ErrShortUDP    = errors.New("truncated UDP header")
	ErrBufTooSmall = errors.New("buffer too small for frame")
)

// Reason returns a short label for a parse error, suitable as a metrics label.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrShortFrame):
		return "short_frame"
	case errors.Is(err, ErrNotIPv4):
		return "not_ipv4"
	case errors.Is(err, ErrShortIPv4):
		return "short_ipv4"
	case errors.Is(err, ErrBadIPv4):
		return "bad_ipv4"
	case errors.Is(err, ErrNotUDP):
		return "not_udp"
	case errors.Is(err, ErrShortUDP):
		return "short_udp"
	}
	return "other"
}

// Header holds the addressing of frames built by BuildUDP.
type Header struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	TTL              uint8
}

// BuildUDP writes an Ethernet/IPv4/UDP frame carrying payload into buf
// and returns the frame length. The UDP checksum is left zero.
func BuildUDP(buf []byte, h *Header, payload []byte) (int, error) {
	n := HeadersLen + len(payload)
	if len(buf) < n {
		return 0, ErrBufTooSmall
	}

	copy(buf[0:6], h.DstMAC)
	copy(buf[6:12], h.SrcMAC)
	binary.BigEndian.PutUint16(buf[12:14], EtherTypeIPv4)

	ip := buf[EthHdrLen : EthHdrLen+IPHdrMin]
	ttl := h.TTL
	if ttl == 0 {
		ttl = 64
	}
	ip[0] = 0x45
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:], uint16(IPHdrMin+UDPHdrLen+len(payload)))
	binary.BigEndian.PutUint32(ip[4:], 0) // ID, flags, fragment offset
	ip[8], ip[9] = ttl, ProtoUDP
	ip[10], ip[11] = 0, 0
	copy(ip[12:16], h.SrcIP.To4())
	copy(ip[16:20], h.DstIP.To4())
	binary.BigEndian.PutUint16(ip[10:], IPChecksum(ip))

	udp := buf[EthHdrLen+IPHdrMin : HeadersLen]
	binary.BigEndian.PutUint16(udp[0:], h.SrcPort)
	binary.BigEndian.PutUint16(udp[2:], h.DstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(UDPHdrLen+len(payload)))
	binary.BigEndian.PutUint16(udp[6:], 0)

	copy(buf[HeadersLen:], payload)
	return n, nil
}

// IPChecksum computes the IPv4 header checksum over hdr.
func IPChecksum(hdr []byte) uint16 {
	var sum uint32
	for len(hdr) > 1 {
		sum += uint32(binary.BigEndian.Uint16(hdr))
		hdr = hdr[2:]
	}
	if len(hdr) > 0 {
		sum += uint32(hdr[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// ParseUDP walks an Ethernet frame down to its UDP payload.
// The returned payload aliases buf. It ends where the UDP length field says,
// or at the end of the captured frame if that field is implausible.
// Checksums and the IPv4 total length field are not verified.
func ParseUDP(buf []byte) ([]byte, error) {
	if len(buf) < EthHdrLen {
		return nil, ErrShortFrame
	}
	if binary.BigEndian.Uint16(buf[12:14]) != EtherTypeIPv4 {
		return nil, ErrNotIPv4
	}

	ip := buf[EthHdrLen:]
	if len(ip) < IPHdrMin {
		return nil, ErrShortIPv4
	}
	if ip[0]>>4 != 4 {
		return nil, ErrBadIPv4
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < IPHdrMin {
		return nil, ErrBadIPv4
	}
	if ihl > len(ip) {
		return nil, ErrShortIPv4
	}
	if ip[9] != ProtoUDP {
		return nil, ErrNotUDP
	}

	udp := ip[ihl:]
	if len(udp) < UDPHdrLen {
		return nil, ErrShortUDP
	}
	// Drop Ethernet padding when the UDP length is plausible.
	if l := int(binary.BigEndian.Uint16(udp[4:6])); l >= UDPHdrLen && l <= len(udp) {
		udp = udp[:l]
	}
	return udp[UDPHdrLen:], nil
}
