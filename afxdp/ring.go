//go:build linux

package afxdp

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// XDP_RING_NEED_WAKEUP from linux/if_xdp.h.
const ringNeedWakeup = 1

// umemReg mirrors struct xdp_umem_reg without the flags tail, which the
// kernel still accepts as the v1 layout.
type umemReg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// statistics mirrors the v1 struct xdp_statistics.
type statistics struct {
	RxDropped      uint64
	RxInvalidDescs uint64
	TxInvalidDescs uint64
}

// ring is the userspace side of one of the four shared rings.
// Indexes are free running, entries are addressed modulo size.
// RX and CQ are consumed by userspace, FQ and TX are produced.
type ring[T unix.XDPDesc | uint64] struct {
	region  []byte
	entries []T

	producer *uint32
	consumer *uint32
	flags    *uint32

	mask, size uint32

	cachedProd uint32
	cachedCons uint32
}

func mapRing[T unix.XDPDesc | uint64](
	fd int, off unix.XDPRingOffset, size uint32, pgoff int64, produce bool,
) (*ring[T], error) {
	var zero T
	length := int(off.Desc) + int(size)*int(unsafe.Sizeof(zero))
	region, err := unix.Mmap(fd, pgoff, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, err
	}
	base := unsafe.Pointer(&region[0])
	r := &ring[T]{
		region:   region,
		entries:  unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size),
		producer: (*uint32)(unsafe.Add(base, off.Producer)),
		consumer: (*uint32)(unsafe.Add(base, off.Consumer)),
		flags:    (*uint32)(unsafe.Add(base, off.Flags)),
		mask:     size - 1,
		size:     size,
	}
	if produce {
		// A producer sees the whole ring as free until the first refresh.
		r.cachedCons = size
	}
	return r, nil
}

func (r *ring[T]) at(idx uint32) *T { return &r.entries[idx&r.mask] }

// peek returns the index of the first unconsumed entry and how many
// entries, at most max, are ready. The producer index is only re-read
// when the cached view is exhausted.
func (r *ring[T]) peek(max uint32) (idx, n uint32) {
	n = r.cachedProd - r.cachedCons
	if n == 0 {
		r.cachedProd = atomic.LoadUint32(r.producer)
		n = r.cachedProd - r.cachedCons
	}
	return r.cachedCons, min(n, max)
}

// consume hands n peeked entries back to the kernel.
func (r *ring[T]) consume(n uint32) {
	r.cachedCons += n
	atomic.StoreUint32(r.consumer, r.cachedCons)
}

// reserve claims n slots for writing. ok is false when the ring is full.
// Reserved slots stay private until submit.
func (r *ring[T]) reserve(n uint32) (idx uint32, ok bool) {
	if r.cachedCons-r.cachedProd < n {
		r.cachedCons = atomic.LoadUint32(r.consumer) + r.size
		if r.cachedCons-r.cachedProd < n {
			return 0, false
		}
	}
	idx = r.cachedProd
	r.cachedProd += n
	return idx, true
}

// submit publishes every reserved slot.
func (r *ring[T]) submit() { atomic.StoreUint32(r.producer, r.cachedProd) }

func (r *ring[T]) needsWakeup() bool {
	return atomic.LoadUint32(r.flags)&ringNeedWakeup != 0
}

func (r *ring[T]) unmap() error {
	if r == nil || r.region == nil {
		return nil
	}
	err := unix.Munmap(r.region)
	r.region, r.entries = nil, nil
	return err
}

func setsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name), uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name),
		uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}

// kick wakes the kernel driver for an idle fill ring.
func kick(fd int) error {
	_, _, err := unix.Recvfrom(fd, nil, unix.MSG_DONTWAIT)
	switch err {
	case nil, unix.EAGAIN, unix.EBUSY, unix.ENETDOWN:
		return nil
	}
	return err
}

// wakeTx rings the TX doorbell. A zero-length send is the kick.
func wakeTx(fd int) error {
	err := unix.Sendto(fd, nil, unix.MSG_DONTWAIT, nil)
	switch err {
	case nil, unix.EAGAIN, unix.EBUSY, unix.ENOBUFS:
		return nil
	}
	return err
}
