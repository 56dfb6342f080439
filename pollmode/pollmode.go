// Package pollmode implements the busy-polling receive path.
// A Source lends frames from a bounded driver pool; Receiver parses each
// frame, records it and hands it back to the driver exactly once.
package pollmode

import (
	"errors"
	"fmt"
	"time"

	"github.com/romshark/latency-bench-go/frame"
	"github.com/romshark/latency-bench-go/latency"
)

const (
	DefaultBurst     = 32
	DefaultRxRing    = 512
	DefaultNumFrames = 16382
	DefaultCache     = 250
	DefaultPort      = 9000
)

var (
	ErrBurstNegative = errors.New("burst must not be negative")
	ErrCacheTooLarge = errors.New("cache must be <= rxring/2")
	ErrRxRingTooBig  = errors.New("rxring must not exceed the number of frames")
)

// Frame is a received frame lent by a Source.
type Frame struct {
	// Buf holds the whole Ethernet frame. It is only valid until Release.
	Buf []byte
	// Addr identifies the frame within the driver pool.
	Addr uint64
	// WireLen is the on-wire length when the driver kept only part of the
	// frame in Buf. Zero means Buf holds the whole frame.
	WireLen int
}

// Len returns the on-wire length of the frame.
func (f Frame) Len() int {
	if f.WireLen > len(f.Buf) {
		return f.WireLen
	}
	return len(f.Buf)
}

// Source is a non-blocking frame driver.
// Implementations are not safe for concurrent use.
type Source interface {
	// Receive appends up to cap(buf)-len(buf) frames to buf without blocking.
	Receive(buf []Frame) ([]Frame, error)
	// Release returns f to the driver pool. Releasing a frame twice is an error.
	Release(f Frame) error
	Close() error
}

// DriverStats are counters of a Source's driver. Counters a driver
// doesn't keep stay zero.
type DriverStats struct {
	Received uint64
	Dropped  uint64
	Invalid  uint64
	// Outstanding is the number of frames lent and not yet released.
	Outstanding int
}

// Observer is notified about per-frame events.
type Observer interface {
	ParseFailed(err error)
	FrameReleased()
}

// Tunables configures the receive loop and the driver pool.
type Tunables struct {
	Burst     int    `yaml:"burst"`
	RxRing    uint32 `yaml:"rxring"`
	NumFrames uint32 `yaml:"frames"`
	Cache     uint32 `yaml:"cache"`
}

func (t *Tunables) ValidateAndSetDefaults() error {
	if t.Burst == 0 {
		t.Burst = DefaultBurst
	}
	if t.RxRing == 0 {
		t.RxRing = DefaultRxRing
	}
	if t.NumFrames == 0 {
		t.NumFrames = DefaultNumFrames
	}
	if t.Cache == 0 {
		t.Cache = min(DefaultCache, t.RxRing/2)
	}
	if t.Burst < 0 {
		return ErrBurstNegative
	}
	if t.RxRing > t.NumFrames {
		return ErrRxRingTooBig
	}
	if t.Cache > t.RxRing/2 {
		return ErrCacheTooLarge
	}
	return nil
}

// Receiver drains a Source into a Recorder.
type Receiver struct {
	src Source
	rec *latency.Recorder
	obs Observer
	now func() time.Time

	burst []Frame
}

// NewReceiver creates a receiver dequeuing at most burst frames per poll.
// obs may be nil.
func NewReceiver(src Source, rec *latency.Recorder, burst int, obs Observer) *Receiver {
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Receiver{
		src:   src,
		rec:   rec,
		obs:   obs,
		now:   time.Now,
		burst: make([]Frame, 0, burst),
	}
}

// Poll performs a single non-blocking poll and returns the number of
// frames processed. Every dequeued frame is released exactly once,
// including frames that failed to parse. Errors are fatal: either the
// driver failed, the record could not be persisted or the pool
// invariant is broken.
func (r *Receiver) Poll() (int, error) {
	frames, err := r.src.Receive(r.burst[:0])
	if err != nil && len(frames) == 0 {
		return 0, fmt.Errorf("receiving: %w", err)
	}

	var errs []error
	if err != nil {
		errs = append(errs, fmt.Errorf("receiving: %w", err))
	}
	for i, f := range frames {
		arrival := uint64(r.now().UnixNano())

		payload, perr := frame.ParseUDP(f.Buf)
		if perr != nil && r.obs != nil {
			r.obs.ParseFailed(perr)
		}
		if _, werr := r.rec.Record(arrival, f.Len(), payload); werr != nil {
			errs = append(errs, fmt.Errorf("recording: %w", werr))
		}

		if rerr := r.src.Release(f); rerr != nil {
			errs = append(errs, fmt.Errorf("releasing frame %#x: %w", f.Addr, rerr))
		} else if r.obs != nil {
			r.obs.FrameReleased()
		}
		frames[i] = Frame{}
	}
	return len(frames), errors.Join(errs...)
}

// Run polls until an error occurs. Empty polls retry immediately.
func (r *Receiver) Run() error {
	for {
		if _, err := r.Poll(); err != nil {
			return err
		}
	}
}
