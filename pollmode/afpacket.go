//go:build linux

package pollmode

import (
	"errors"
	"fmt"

	"github.com/google/gopacket/afpacket"
)

const packetBufSize = 2048

var (
	ErrReleaseUnknown = errors.New("release of unknown buffer")
	ErrReleaseTwice   = errors.New("buffer released twice")
)

// PacketRingSource polls a TPACKET_V2 ring. Each packet is copied into one
// of a fixed set of owned buffers so frames follow the same lend/release
// discipline as AF_XDP frames.
type PacketRingSource struct {
	tp   *afpacket.TPacket
	bufs [][]byte
	held []bool
	free []int
}

// OpenPacketRing opens a packet ring on iface delivering only IPv4/UDP
// frames for port. A zero port accepts every frame.
func OpenPacketRing(iface string, port uint16, t Tunables) (*PacketRingSource, error) {
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(packetBufSize*2),
		afpacket.OptBlockSize(packetBufSize*2*128),
		afpacket.OptNumBlocks(max(int(t.RxRing)/128, 1)),
		afpacket.OptPollTimeout(0),
		afpacket.SocketRaw,
		afpacket.TPacketVersion2,
	)
	if err != nil {
		return nil, fmt.Errorf("opening TPacket on %q: %w", iface, err)
	}
	if port != 0 {
		prog, err := UDPPortFilter(port)
		if err != nil {
			tp.Close()
			return nil, err
		}
		if err := tp.SetBPF(prog); err != nil {
			tp.Close()
			return nil, fmt.Errorf("attaching filter: %w", err)
		}
	}
	return newPacketRingSource(tp, max(t.Burst, 1)), nil
}

func newPacketRingSource(tp *afpacket.TPacket, n int) *PacketRingSource {
	s := &PacketRingSource{
		tp:   tp,
		bufs: make([][]byte, n),
		held: make([]bool, n),
		free: make([]int, n),
	}
	for i := 0; i < n; i++ {
		s.bufs[i] = make([]byte, packetBufSize)
		s.free[i] = n - 1 - i
	}
	return s
}

func (s *PacketRingSource) Receive(buf []Frame) ([]Frame, error) {
	for len(buf) < cap(buf) && len(s.free) > 0 {
		data, ci, err := s.tp.ZeroCopyReadPacketData()
		if errors.Is(err, afpacket.ErrTimeout) {
			break
		}
		if err != nil {
			return buf, err
		}
		buf = append(buf, s.lend(data, ci.Length))
	}
	return buf, nil
}

// lend copies data into a free buffer. Frames longer than the buffer are
// truncated; wireLen keeps their real length.
func (s *PacketRingSource) lend(data []byte, wireLen int) Frame {
	i := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.held[i] = true
	n := copy(s.bufs[i], data)
	return Frame{Buf: s.bufs[i][:n], Addr: uint64(i), WireLen: wireLen}
}

func (s *PacketRingSource) Release(f Frame) error {
	if f.Addr >= uint64(len(s.bufs)) {
		return fmt.Errorf("%w: %d", ErrReleaseUnknown, f.Addr)
	}
	if !s.held[f.Addr] {
		return fmt.Errorf("%w: %d", ErrReleaseTwice, f.Addr)
	}
	s.held[f.Addr] = false
	s.free = append(s.free, int(f.Addr))
	return nil
}

// Stats returns the kernel's received and dropped packet counts and the
// number of buffers the application holds.
func (s *PacketRingSource) Stats() (DriverStats, error) {
	st := DriverStats{Outstanding: s.outstanding()}
	ks, _, err := s.tp.SocketStats()
	if err != nil {
		return st, err
	}
	st.Received, st.Dropped = uint64(ks.Packets()), uint64(ks.Drops())
	return st, nil
}

func (s *PacketRingSource) outstanding() int { return len(s.bufs) - len(s.free) }

func (s *PacketRingSource) Close() error {
	if s.tp != nil {
		s.tp.Close()
		s.tp = nil
	}
	return nil
}
