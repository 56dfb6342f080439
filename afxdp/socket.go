//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

var ErrFillRingFull = errors.New("fill ring full")

// Socket is an AF_XDP socket bound to a single NIC queue.
//
// WARNING: Socket is not safe for concurrent use.
type Socket struct {
	conf       SocketConfig
	isZerocopy bool
	fd         int

	umem []byte
	rx   *ring[unix.XDPDesc]
	fq   *ring[uint64]
	tx   *ring[unix.XDPDesc]
	cq   *ring[uint64]

	pool *framePool

	// Released frames written to the fill ring but not yet published.
	staged uint32

	txFree []uint64
}

// Open creates an AF_XDP socket with its own UMEM, binds it to
// conf.QueueID and registers it with the interface's XDP program.
// The first RxSize frames are handed to the kernel through the fill ring.
func (i *Interface) Open(conf SocketConfig) (s *Socket, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if i.objs != nil {
		// Binding a missing queue fails with a bare EINVAL.
		ids, err := i.RXQueueIDs()
		if err != nil {
			return nil, err
		}
		if err := checkQueue(i.ifaceName, ids, conf.QueueID); err != nil {
			return nil, err
		}
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	s = &Socket{conf: conf, fd: fd}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.umem, err = unix.Mmap(-1, 0, int(conf.NumFrames)*int(conf.FrameSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap UMEM: %w", err)
	}

	reg := umemReg{
		Addr:      uint64(uintptr(unsafe.Pointer(&s.umem[0]))),
		Len:       uint64(len(s.umem)),
		ChunkSize: conf.FrameSize,
	}
	if err := setsockopt(fd, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	for _, o := range [...]struct {
		name string
		opt  int
		size uint32
	}{
		{"XDP_UMEM_FILL_RING", unix.XDP_UMEM_FILL_RING, conf.RxSize},
		{"XDP_UMEM_COMPLETION_RING", unix.XDP_UMEM_COMPLETION_RING, conf.CqSize},
		{"XDP_RX_RING", unix.XDP_RX_RING, conf.RxSize},
		{"XDP_TX_RING", unix.XDP_TX_RING, conf.TxSize},
	} {
		if err := unix.SetsockoptInt(fd, unix.SOL_XDP, o.opt, int(o.size)); err != nil {
			return nil, fmt.Errorf("setsockopt %s: %w", o.name, err)
		}
	}

	var offs unix.XDPMmapOffsets
	if err := getsockopt(fd, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs)); err != nil {
		return nil, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	if s.rx, err = mapRing[unix.XDPDesc](fd, offs.Rx, conf.RxSize,
		unix.XDP_PGOFF_RX_RING, false); err != nil {
		return nil, fmt.Errorf("mmap RX ring: %w", err)
	}
	if s.fq, err = mapRing[uint64](fd, offs.Fr, conf.RxSize,
		unix.XDP_UMEM_PGOFF_FILL_RING, true); err != nil {
		return nil, fmt.Errorf("mmap FQ ring: %w", err)
	}
	if s.tx, err = mapRing[unix.XDPDesc](fd, offs.Tx, conf.TxSize,
		unix.XDP_PGOFF_TX_RING, true); err != nil {
		return nil, fmt.Errorf("mmap TX ring: %w", err)
	}
	if s.cq, err = mapRing[uint64](fd, offs.Cr, conf.CqSize,
		unix.XDP_UMEM_PGOFF_COMPLETION_RING, false); err != nil {
		return nil, fmt.Errorf("mmap CQ ring: %w", err)
	}

	// Frames [0, RxSize) form the receive pool and start out in the kernel.
	s.pool = newFramePool(conf.RxSize, conf.FrameSize)
	idx, _ := s.fq.reserve(conf.RxSize)
	for n := uint32(0); n < conf.RxSize; n++ {
		*s.fq.at(idx + n) = uint64(n) * uint64(conf.FrameSize)
	}
	s.fq.submit()

	// Frames [RxSize, NumFrames) are reserved for transmission.
	s.txFree = make([]uint64, 0, conf.NumFrames-conf.RxSize)
	for n := conf.RxSize; n < conf.NumFrames; n++ {
		s.txFree = append(s.txFree, uint64(n)*uint64(conf.FrameSize))
	}

	sa := &unix.SockaddrXDP{
		Flags:   unix.XDP_USE_NEED_WAKEUP,
		Ifindex: uint32(i.ifaceIndex),
		QueueID: conf.QueueID,
	}
	if i.preferZerocopy {
		sa.Flags |= unix.XDP_ZEROCOPY
	} else {
		sa.Flags |= unix.XDP_COPY
	}
	err = unix.Bind(fd, sa)
	s.isZerocopy = i.preferZerocopy && err == nil
	if errors.Is(err, unix.EPROTONOSUPPORT) || errors.Is(err, unix.EOPNOTSUPP) {
		// The queue has no zero-copy support; fall back to copy mode.
		sa.Flags = unix.XDP_USE_NEED_WAKEUP | unix.XDP_COPY
		err = unix.Bind(fd, sa)
	}
	if err != nil {
		return nil, fmt.Errorf("binding socket: %w", err)
	}

	if err := i.registerXSK(fd, conf.QueueID); err != nil {
		return nil, fmt.Errorf("registering XSK: %w", err)
	}
	return s, nil
}

// IsZerocopy reports whether the socket is operating in zero-copy mode.
// It may be false even with PreferZerocopy set when the queue only
// supports XDP_COPY.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

// Outstanding returns the number of received frames not yet released.
func (s *Socket) Outstanding() int { return s.pool.Outstanding() }

// Close releases the socket, its rings and UMEM.
func (s *Socket) Close() error {
	var errs []error
	if s.fd > 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = -1
	}
	for _, err := range []error{
		s.rx.unmap(), s.fq.unmap(), s.tx.unmap(), s.cq.unmap(),
	} {
		if err != nil {
			errs = append(errs, fmt.Errorf("unmapping ring: %w", err))
		}
	}
	if s.umem != nil {
		if err := unix.Munmap(s.umem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping UMEM: %w", err))
		}
		s.umem = nil
	}
	return errors.Join(errs...)
}

// Stats returns the kernel drop counters of the socket.
func (s *Socket) Stats() (rxDropped, rxInvalid, txInvalid uint64, err error) {
	var st statistics
	if err := getsockopt(s.fd, unix.XDP_STATISTICS,
		unsafe.Pointer(&st), unsafe.Sizeof(st)); err != nil {
		return 0, 0, 0, fmt.Errorf("getsockopt XDP_STATISTICS: %w", err)
	}
	return st.RxDropped, st.RxInvalidDescs, st.TxInvalidDescs, nil
}

// Receive appends up to cap(buf)-len(buf) received frames to buf and
// returns it without blocking. Every returned frame must be passed to
// Release exactly once.
//
// When the RX ring is empty, staged releases are published to the fill
// ring and the kernel is woken if it asked for it.
func (s *Socket) Receive(buf []Frame) ([]Frame, error) {
	idx, n := s.rx.peek(uint32(cap(buf) - len(buf)))
	if n == 0 {
		return buf, s.refill()
	}
	for k := uint32(0); k < n; k++ {
		d := s.rx.at(idx + k)
		if err := s.pool.lend(d.Addr); err != nil {
			s.rx.consume(k + 1)
			return buf, err
		}
		buf = append(buf, Frame{
			Buf:  s.umem[d.Addr : d.Addr+uint64(d.Len)],
			Addr: d.Addr,
		})
	}
	s.rx.consume(n)
	return buf, nil
}

// Release returns a received frame to the kernel. The fill ring producer
// index is published once FillCache frames have been staged.
func (s *Socket) Release(f Frame) error {
	base, err := s.pool.reclaim(f.Addr)
	if err != nil {
		return err
	}
	idx, ok := s.fq.reserve(1)
	if !ok {
		return ErrFillRingFull
	}
	*s.fq.at(idx) = base
	s.staged++
	if s.staged >= s.conf.FillCache {
		s.fq.submit()
		s.staged = 0
	}
	return nil
}

func (s *Socket) refill() error {
	if s.staged > 0 {
		s.fq.submit()
		s.staged = 0
	}
	if s.fq.needsWakeup() {
		return kick(s.fd)
	}
	return nil
}

// NextFrame returns a writable transmit frame spanning a whole UMEM chunk.
// ok is false when every transmit frame is in flight; PollCompletions
// reclaims them.
func (s *Socket) NextFrame() (f Frame, ok bool) {
	if len(s.txFree) == 0 {
		s.PollCompletions()
		if len(s.txFree) == 0 {
			return Frame{}, false
		}
	}
	addr := s.txFree[len(s.txFree)-1]
	s.txFree = s.txFree[:len(s.txFree)-1]
	return Frame{
		Buf:  s.umem[addr : addr+uint64(s.conf.FrameSize)],
		Addr: addr,
	}, true
}

// Submit queues length bytes of the frame at addr on the TX ring.
// Descriptors become visible to the kernel on FlushTx.
func (s *Socket) Submit(addr uint64, length uint32) error {
	for {
		idx, ok := s.tx.reserve(1)
		if ok {
			*s.tx.at(idx) = unix.XDPDesc{Addr: addr, Len: length}
			return nil
		}
		// Ring full: publish what is queued and let the kernel drain it.
		s.tx.submit()
		if s.PollCompletions() == 0 {
			if err := wakeTx(s.fd); err != nil {
				return err
			}
		}
	}
}

// FlushTx publishes queued descriptors and rings the doorbell.
// In copy mode the kernel sends a bounded batch per wakeup, so callers
// keep flushing while frames are in flight.
func (s *Socket) FlushTx() error {
	s.tx.submit()
	return wakeTx(s.fd)
}

// PollCompletions moves up to BatchSize completed transmit frames back
// to the free list and returns how many were reclaimed.
func (s *Socket) PollCompletions() int {
	idx, n := s.cq.peek(s.conf.BatchSize)
	for k := uint32(0); k < n; k++ {
		s.txFree = append(s.txFree, *s.cq.at(idx + k))
	}
	if n > 0 {
		s.cq.consume(n)
	}
	return int(n)
}

// InFlight returns the number of transmit frames not yet completed.
func (s *Socket) InFlight() int {
	return int(s.conf.NumFrames-s.conf.RxSize) - len(s.txFree)
}
