//go:build linux

package pollmode

import (
	"errors"
	"fmt"

	"github.com/romshark/latency-bench-go/afxdp"
)

// XDPConfig selects the AF_XDP queue to poll.
type XDPConfig struct {
	Interface      string
	QueueID        uint32
	PreferZerocopy bool
	// Port limits redirection to UDP traffic for this destination port.
	Port uint16
}

// XDPSource polls a single AF_XDP socket.
type XDPSource struct {
	iface *afxdp.Interface
	sock  *afxdp.Socket
	buf   []afxdp.Frame
}

// OpenXDP attaches the redirect program to conf.Interface and opens a
// receive socket on conf.QueueID sized by t. t must be validated.
func OpenXDP(conf XDPConfig, t Tunables) (*XDPSource, error) {
	iface, err := afxdp.MakeInterface(conf.Interface, afxdp.InterfaceConfig{
		PreferZerocopy: conf.PreferZerocopy,
		Port:           conf.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("preparing interface: %w", err)
	}
	sock, err := iface.Open(afxdp.SocketConfig{
		QueueID:   conf.QueueID,
		NumFrames: t.NumFrames,
		RxSize:    t.RxRing,
		// The receive path never transmits. The smallest TX ring keeps
		// all other frames out of the way.
		TxSize:    1,
		CqSize:    1,
		FillCache: t.Cache,
	})
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("opening socket: %w", err)
	}
	return &XDPSource{
		iface: iface,
		sock:  sock,
		buf:   make([]afxdp.Frame, 0, max(t.Burst, 1)),
	}, nil
}

// IsZerocopy reports whether the socket runs in zero-copy mode.
func (s *XDPSource) IsZerocopy() bool { return s.sock.IsZerocopy() }

// Stats returns the kernel drop counters of the socket and the number of
// frames the application holds.
func (s *XDPSource) Stats() (DriverStats, error) {
	st := DriverStats{Outstanding: s.sock.Outstanding()}
	var err error
	st.Dropped, st.Invalid, _, err = s.sock.Stats()
	return st, err
}

func (s *XDPSource) Receive(buf []Frame) ([]Frame, error) {
	n := min(cap(buf)-len(buf), cap(s.buf))
	frames, err := s.sock.Receive(s.buf[:0:n])
	for _, f := range frames {
		buf = append(buf, Frame{Buf: f.Buf, Addr: f.Addr})
	}
	return buf, err
}

func (s *XDPSource) Release(f Frame) error {
	return s.sock.Release(afxdp.Frame{Buf: f.Buf, Addr: f.Addr})
}

// Close closes the socket, then detaches the program.
func (s *XDPSource) Close() error {
	return errors.Join(s.sock.Close(), s.iface.Close())
}
