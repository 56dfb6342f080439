//go:build linux

package afxdp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// heapRing is a ring backed by ordinary memory. Tests play the kernel by
// moving the shared producer and consumer indexes directly.
func heapRing[T unix.XDPDesc | uint64](size uint32, produce bool) *ring[T] {
	r := &ring[T]{
		entries:  make([]T, size),
		producer: new(uint32),
		consumer: new(uint32),
		flags:    new(uint32),
		mask:     size - 1,
		size:     size,
	}
	if produce {
		r.cachedCons = size
	}
	return r
}

// kernelTakeFill consumes every published fill ring entry.
func kernelTakeFill(fq *ring[uint64]) (addrs []uint64) {
	for c := *fq.consumer; c != *fq.producer; c++ {
		addrs = append(addrs, fq.entries[c&fq.mask])
	}
	*fq.consumer = *fq.producer
	return addrs
}

// kernelDeliver publishes descs on the RX ring.
func kernelDeliver(rx *ring[unix.XDPDesc], descs ...unix.XDPDesc) {
	for _, d := range descs {
		rx.entries[*rx.producer&rx.mask] = d
		*rx.producer++
	}
}

// kernelComplete publishes transmitted frame addresses on the CQ ring.
func kernelComplete(cq *ring[uint64], addrs ...uint64) {
	for _, a := range addrs {
		cq.entries[*cq.producer&cq.mask] = a
		*cq.producer++
	}
}

const (
	testFrameSize = 256
	testHeadroom  = 64
)

// newRxSocket returns a receive socket over heap rings whose fill ring
// already went to the kernel, as after Open.
func newRxSocket(t *testing.T, rxSize, fillCache uint32) *Socket {
	t.Helper()
	s := &Socket{
		conf: SocketConfig{
			NumFrames: rxSize,
			FrameSize: testFrameSize,
			RxSize:    rxSize,
			BatchSize: DefaultBatchSize,
			FillCache: fillCache,
		},
		fd:   -1,
		umem: make([]byte, rxSize*testFrameSize),
		rx:   heapRing[unix.XDPDesc](rxSize, false),
		fq:   heapRing[uint64](rxSize, true),
		pool: newFramePool(rxSize, testFrameSize),
	}
	idx, ok := s.fq.reserve(rxSize)
	require.True(t, ok)
	for n := uint32(0); n < rxSize; n++ {
		*s.fq.at(idx + n) = uint64(n) * testFrameSize
	}
	s.fq.submit()
	require.Len(t, kernelTakeFill(s.fq), int(rxSize))
	return s
}

func rxDesc(frame uint64) unix.XDPDesc {
	return unix.XDPDesc{Addr: frame*testFrameSize + testHeadroom, Len: 60}
}

func TestRingProduce(t *testing.T) {
	r := heapRing[uint64](4, true)

	idx, ok := r.reserve(3)
	require.True(t, ok)
	assert.Equal(t, uint32(0), idx)
	assert.Zero(t, *r.producer, "reserved slots stay private")
	r.submit()
	assert.Equal(t, uint32(3), *r.producer)

	_, ok = r.reserve(2)
	assert.False(t, ok, "only one slot left")
	idx, ok = r.reserve(1)
	require.True(t, ok)
	assert.Equal(t, uint32(3), idx)
	r.submit()

	_, ok = r.reserve(1)
	assert.False(t, ok, "ring is full")

	// The consumer frees two slots; indexes keep running past size.
	*r.consumer = 2
	idx, ok = r.reserve(2)
	require.True(t, ok)
	assert.Equal(t, uint32(4), idx)
	*r.at(idx) = 0xAA
	assert.Equal(t, uint64(0xAA), r.entries[0], "entries wrap modulo size")
}

func TestRingConsume(t *testing.T) {
	r := heapRing[uint64](4, false)

	_, n := r.peek(8)
	assert.Zero(t, n)

	kernelComplete(r, 10, 20, 30)
	idx, n := r.peek(2)
	require.Equal(t, uint32(2), n)
	assert.Equal(t, uint64(10), *r.at(idx))
	assert.Equal(t, uint64(20), *r.at(idx+1))
	r.consume(n)
	assert.Equal(t, uint32(2), *r.consumer)

	idx, n = r.peek(8)
	require.Equal(t, uint32(1), n)
	assert.Equal(t, uint64(30), *r.at(idx))
	r.consume(n)

	kernelComplete(r, 40, 50, 60, 70)
	idx, n = r.peek(8)
	require.Equal(t, uint32(4), n)
	assert.Equal(t, uint32(3), idx)
	assert.Equal(t, uint64(70), *r.at(idx+3))
}

func TestRingNeedsWakeup(t *testing.T) {
	r := heapRing[uint64](4, true)
	assert.False(t, r.needsWakeup())
	*r.flags = ringNeedWakeup
	assert.True(t, r.needsWakeup())
}

func TestSocketReceiveRelease(t *testing.T) {
	s := newRxSocket(t, 8, 2)
	kernelDeliver(s.rx, rxDesc(0), rxDesc(1), rxDesc(2))

	frames, err := s.Receive(make([]Frame, 0, 4))
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, uint64(i)*testFrameSize+testHeadroom, f.Addr)
		assert.Len(t, f.Buf, 60)
	}
	assert.Equal(t, uint32(3), *s.rx.consumer)
	assert.Equal(t, 3, s.Outstanding())

	// Two releases fill the cache and publish, the third stays staged.
	require.NoError(t, s.Release(frames[0]))
	assert.Equal(t, uint32(8), *s.fq.producer)
	require.NoError(t, s.Release(frames[1]))
	assert.Equal(t, uint32(10), *s.fq.producer)
	require.NoError(t, s.Release(frames[2]))
	assert.Equal(t, uint32(10), *s.fq.producer)
	assert.Equal(t, uint32(1), s.staged)
	assert.Zero(t, s.Outstanding())

	assert.ErrorIs(t, s.Release(frames[2]), ErrDoubleRelease)
	assert.Equal(t, uint32(1), s.staged, "rejected release is not staged")
	assert.ErrorIs(t, s.Release(Frame{Addr: 8 * testFrameSize}), ErrUnknownFrame)

	// An empty poll publishes what is staged.
	frames, err = s.Receive(frames[:0])
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, uint32(11), *s.fq.producer)
	assert.Zero(t, s.staged)

	// The kernel gets frame base addresses back, headroom stripped.
	assert.Equal(t, []uint64{0, testFrameSize, 2 * testFrameSize}, kernelTakeFill(s.fq))
}

func TestSocketReceiveBurst(t *testing.T) {
	s := newRxSocket(t, 8, 0)
	kernelDeliver(s.rx, rxDesc(0), rxDesc(1), rxDesc(2), rxDesc(3), rxDesc(4))

	var total int
	buf := make([]Frame, 0, 2)
	for {
		frames, err := s.Receive(buf[:0])
		require.NoError(t, err)
		if len(frames) == 0 {
			break
		}
		assert.LessOrEqual(t, len(frames), 2)
		for _, f := range frames {
			require.NoError(t, s.Release(f))
		}
		total += len(frames)
	}
	assert.Equal(t, 5, total)
	assert.Zero(t, s.Outstanding())
	assert.Len(t, kernelTakeFill(s.fq), 5, "zero cache publishes every release")
}

func TestSocketReceiveFrameInUse(t *testing.T) {
	s := newRxSocket(t, 8, 0)
	kernelDeliver(s.rx, rxDesc(0))
	held, err := s.Receive(make([]Frame, 0, 4))
	require.NoError(t, err)
	require.Len(t, held, 1)

	// A broken driver hands out frame 0 again while it is still held.
	kernelDeliver(s.rx, rxDesc(0), rxDesc(1))
	frames, err := s.Receive(make([]Frame, 0, 4))
	assert.ErrorIs(t, err, ErrFrameInUse)
	assert.Empty(t, frames)

	// The bad descriptor is skipped rather than retried.
	frames, err = s.Receive(make([]Frame, 0, 4))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(testFrameSize+testHeadroom), frames[0].Addr)
}

func TestSocketReleaseFillRingFull(t *testing.T) {
	s := newRxSocket(t, 4, 0)
	kernelDeliver(s.rx, rxDesc(0))
	frames, err := s.Receive(make([]Frame, 0, 1))
	require.NoError(t, err)
	require.Len(t, frames, 1)

	// The kernel never consumed the published fill entries.
	*s.fq.consumer = *s.fq.producer - s.fq.size
	assert.ErrorIs(t, s.Release(frames[0]), ErrFillRingFull)
}

func TestSocketTransmitFrames(t *testing.T) {
	const rxSize, numFrames = 4, 8
	s := &Socket{
		conf: SocketConfig{
			NumFrames: numFrames,
			FrameSize: testFrameSize,
			RxSize:    rxSize,
			BatchSize: DefaultBatchSize,
		},
		fd:   -1,
		umem: make([]byte, numFrames*testFrameSize),
		tx:   heapRing[unix.XDPDesc](4, true),
		cq:   heapRing[uint64](4, false),
	}
	for n := uint64(rxSize); n < numFrames; n++ {
		s.txFree = append(s.txFree, n*testFrameSize)
	}

	var sent []uint64
	for iter := 0; iter < numFrames-rxSize; iter++ {
		f, ok := s.NextFrame()
		require.True(t, ok)
		assert.Len(t, f.Buf, testFrameSize)
		assert.GreaterOrEqual(t, f.Addr, uint64(rxSize*testFrameSize), "never a receive frame")
		require.NoError(t, s.Submit(f.Addr, 100))
		sent = append(sent, f.Addr)
	}
	_, ok := s.NextFrame()
	assert.False(t, ok, "every frame in flight")
	assert.Equal(t, 4, s.InFlight())
	assert.Equal(t, unix.XDPDesc{Addr: sent[0], Len: 100}, s.tx.entries[0])

	kernelComplete(s.cq, sent[0], sent[1])
	assert.Equal(t, 2, s.PollCompletions())
	assert.Equal(t, 2, s.InFlight())

	f, ok := s.NextFrame()
	require.True(t, ok)
	assert.Equal(t, sent[1], f.Addr)
}

func TestRXQueueIDs(t *testing.T) {
	dir := t.TempDir()
	for _, q := range []string{"rx-0", "rx-10", "rx-1", "tx-0", "tx-1"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, q), 0o755))
	}

	ids, err := rxQueueIDs(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 10}, ids)

	assert.NoError(t, checkQueue("eth1", ids, 10))
	err = checkQueue("eth1", ids, 2)
	assert.ErrorIs(t, err, ErrUnknownQueue)
	assert.ErrorContains(t, err, "eth1 queue 2")

	_, err = rxQueueIDs(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
