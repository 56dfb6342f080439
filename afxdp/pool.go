package afxdp

import (
	"errors"
	"fmt"
)

var (
	ErrDoubleRelease = errors.New("frame released twice")
	ErrUnknownFrame  = errors.New("address outside the receive pool")
	ErrFrameInUse    = errors.New("kernel delivered a frame the application still holds")
)

// Frame is a UMEM frame lent to the application.
type Frame struct {
	// Buf aliases UMEM. It is valid until the frame is released
	// (received frames) or submitted (transmit frames).
	Buf []byte

	// Addr is the UMEM offset identifying the frame.
	Addr uint64
}

// framePool tracks which receive frames are held by the application.
// Frame i occupies [i*frameSize, (i+1)*frameSize) of UMEM.
type framePool struct {
	frameSize uint64
	held      []bool
	out       int
}

func newFramePool(frames, frameSize uint32) *framePool {
	return &framePool{
		frameSize: uint64(frameSize),
		held:      make([]bool, frames),
	}
}

// base returns the start of the frame containing addr and its index.
// RX descriptors may point past the frame start by the driver headroom.
func (p *framePool) base(addr uint64) (uint64, int, error) {
	i := addr / p.frameSize
	if i >= uint64(len(p.held)) {
		return 0, 0, fmt.Errorf("%w: %#x", ErrUnknownFrame, addr)
	}
	return i * p.frameSize, int(i), nil
}

// lend marks the frame containing addr as held by the application.
func (p *framePool) lend(addr uint64) error {
	_, i, err := p.base(addr)
	if err != nil {
		return err
	}
	if p.held[i] {
		return fmt.Errorf("%w: %#x", ErrFrameInUse, addr)
	}
	p.held[i] = true
	p.out++
	return nil
}

// reclaim takes back the frame containing addr and returns its base address.
func (p *framePool) reclaim(addr uint64) (uint64, error) {
	b, i, err := p.base(addr)
	if err != nil {
		return 0, err
	}
	if !p.held[i] {
		return 0, fmt.Errorf("%w: %#x", ErrDoubleRelease, addr)
	}
	p.held[i] = false
	p.out--
	return b, nil
}

// Outstanding returns the number of frames held by the application.
func (p *framePool) Outstanding() int { return p.out }
