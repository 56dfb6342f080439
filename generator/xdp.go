//go:build linux

package generator

import (
	"errors"
	"fmt"
	"net"

	"github.com/romshark/latency-bench-go/afxdp"
	"github.com/romshark/latency-bench-go/frame"
)

var ErrNoSourceMAC = errors.New("interface has no hardware address")

// XDPConfig describes where raw frames are sent from and to.
type XDPConfig struct {
	Interface      string
	QueueID        uint32
	PreferZerocopy bool
	DstMAC         net.HardwareAddr
	SrcIP, DstIP   net.IP
	SrcPort        uint16
	DstPort        uint16
}

// XDPTransmitter writes each payload as an Ethernet/IPv4/UDP frame into
// AF_XDP UMEM and submits it on the TX ring.
type XDPTransmitter struct {
	iface  *afxdp.Interface
	sock   *afxdp.Socket
	header frame.Header
}

// OpenXDP opens a transmit-only AF_XDP socket. No XDP program is attached.
func OpenXDP(conf XDPConfig) (*XDPTransmitter, error) {
	netIf, err := net.InterfaceByName(conf.Interface)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}
	if len(netIf.HardwareAddr) < 6 {
		return nil, ErrNoSourceMAC
	}

	iface, err := afxdp.MakeInterface(conf.Interface, afxdp.InterfaceConfig{
		PreferZerocopy: conf.PreferZerocopy,
		TxOnly:         true,
	})
	if err != nil {
		return nil, err
	}
	sock, err := iface.Open(afxdp.SocketConfig{
		QueueID:   conf.QueueID,
		NumFrames: 8 * 1024,
		RxSize:    64,
		TxSize:    2048,
		CqSize:    2048,
	})
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("opening socket: %w", err)
	}
	return &XDPTransmitter{
		iface: iface,
		sock:  sock,
		header: frame.Header{
			SrcMAC:  netIf.HardwareAddr[:6],
			DstMAC:  conf.DstMAC,
			SrcIP:   conf.SrcIP,
			DstIP:   conf.DstIP,
			SrcPort: conf.SrcPort,
			DstPort: conf.DstPort,
		},
	}, nil
}

// IsZerocopy reports whether the socket runs in zero-copy mode.
func (t *XDPTransmitter) IsZerocopy() bool { return t.sock.IsZerocopy() }

// Transmit builds one frame and rings the TX doorbell. When every TX frame
// is in flight it busy-waits for completions.
func (t *XDPTransmitter) Transmit(payload []byte) error {
	f, ok := t.sock.NextFrame()
	for !ok {
		if err := t.sock.FlushTx(); err != nil {
			return err
		}
		f, ok = t.sock.NextFrame()
	}
	n, err := frame.BuildUDP(f.Buf, &t.header, payload)
	if err != nil {
		return err
	}
	if err := t.sock.Submit(f.Addr, uint32(n)); err != nil {
		return err
	}
	if err := t.sock.FlushTx(); err != nil {
		return err
	}
	t.sock.PollCompletions()
	return nil
}

// Close waits for all submitted frames to complete, then releases the
// socket and interface.
func (t *XDPTransmitter) Close() error {
	var errs []error
	for t.sock.InFlight() > 0 {
		if t.sock.PollCompletions() > 0 {
			continue
		}
		if err := t.sock.FlushTx(); err != nil {
			errs = append(errs, fmt.Errorf("flushing: %w", err))
			break
		}
	}
	errs = append(errs, t.sock.Close(), t.iface.Close())
	return errors.Join(errs...)
}
