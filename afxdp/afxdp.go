//go:build linux

// Package afxdp implements poll-mode AF_XDP sockets.
// Interface owns the XDP program and its XSKMAP.
// Socket is an AF_XDP socket bound to one RX/TX queue with its own UMEM.
//
// Ring roles (kernel ↔ userspace):
//
//   - RX ring: received frames handed to userspace.
//   - FQ ring: UMEM frames userspace lends the kernel for reception.
//   - TX ring: frames userspace asks the NIC to send.
//   - CQ ring: UMEM frames the kernel is done transmitting.
//
// The RxSize frames at the start of UMEM circulate between the FQ ring,
// the RX ring and the application and form the bounded receive pool.
// The remaining frames serve transmission.
package afxdp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/romshark/latency-bench-go/afxdp/xdp"
)

var (
	ErrXSKMapNotFound    = errors.New("xsks_map not loaded")
	ErrUnknownQueue      = errors.New("interface has no such RX queue")
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= TxSize + RxSize")
	ErrNotPowerOfTwo     = errors.New("ring sizes and FrameSize must be powers of two")
	ErrFillCacheTooLarge = errors.New("FillCache must be <= RxSize/2")
)

const (
	DefaultNumFrames          = 4096
	DefaultFrameSize          = 2048
	DefaultRxQueueSize        = 2048
	DefaultTxQueueSize        = 2048
	DefaultCompletionRingSize = 2048
	DefaultBatchSize          = 64
)

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	PreferZerocopy bool

	// Port restricts the XDP redirect to IPv4/UDP frames with this destination
	// port. Zero steers every frame on the bound queues to userspace.
	Port uint16

	// TxOnly skips loading and attaching the XDP program.
	// Sockets opened on such an interface never receive.
	TxOnly bool
}

type SocketConfig struct {
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames allocated.
	NumFrames uint32
	// FrameSize is the size of each UMEM frame in bytes.
	FrameSize uint32
	// RxSize is the number of descriptors in the RX and FQ rings and
	// the number of frames in the receive pool.
	RxSize uint32
	// TxSize is the number of descriptors in the TX ring.
	TxSize uint32
	// CqSize is the number of entries in the completion ring.
	CqSize uint32
	// BatchSize bounds completion processing per call.
	BatchSize uint32
	// FillCache is how many released frames are staged before the FQ
	// producer index is published. Zero publishes on every release.
	FillCache uint32
}

func isPow2(v uint32) bool { return v != 0 && v&(v-1) == 0 }

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRxQueueSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultTxQueueSize
	}
	if c.CqSize == 0 {
		c.CqSize = DefaultCompletionRingSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if !isPow2(c.FrameSize) || !isPow2(c.RxSize) || !isPow2(c.TxSize) || !isPow2(c.CqSize) {
		return ErrNotPowerOfTwo
	}
	if c.NumFrames < c.TxSize+c.RxSize {
		return ErrNumFramesTooSmall
	}
	if c.FillCache > c.RxSize/2 {
		return ErrFillCacheTooLarge
	}
	return nil
}

// Interface represents a NIC prepared for AF_XDP use.
type Interface struct {
	ifaceName      string
	ifaceIndex     int
	preferZerocopy bool

	link link.Link
	objs *xdp.Objects
}

// MakeInterface loads the XDP program and attaches it to the named
// interface unless conf.TxOnly is set.
func MakeInterface(iface string, conf InterfaceConfig) (*Interface, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}

	i := &Interface{
		ifaceName:      iface,
		ifaceIndex:     netIf.Index,
		preferZerocopy: conf.PreferZerocopy,
	}
	if conf.TxOnly {
		return i, nil
	}

	i.link, i.objs, err = attachXDP(netIf.Index, conf)
	if err != nil {
		return nil, fmt.Errorf("attaching XDP program: %w", err)
	}
	return i, nil
}

// RXQueueIDs returns the RX queue IDs of the interface in ascending order,
// read from /sys/class/net/<iface>/queues.
func (i *Interface) RXQueueIDs() ([]uint32, error) {
	return rxQueueIDs("/sys/class/net/" + i.ifaceName + "/queues")
}

func rxQueueIDs(path string) (ids []uint32, err error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	for _, e := range entries {
		idStr, ok := strings.CutPrefix(e.Name(), "rx-")
		if !ok {
			continue
		}
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %q: %w", idStr, err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// Close detaches the XDP program and frees its objects.
// Sockets must be closed separately, before the Interface.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.objs != nil {
		if err := i.objs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP objs: %w", err))
		}
		i.objs = nil
	}
	return errors.Join(errs...)
}

// checkQueue fails unless queue is one of ids.
func checkQueue(iface string, ids []uint32, queue uint32) error {
	if slices.Contains(ids, queue) {
		return nil
	}
	return fmt.Errorf("%w: %s queue %d, have %v", ErrUnknownQueue, iface, queue, ids)
}

// registerXSK makes the XDP program redirect frames of queue to fd.
func (i *Interface) registerXSK(fd int, queue uint32) error {
	if i.objs == nil {
		return nil // TX only.
	}
	if i.objs.XSKMap == nil {
		return ErrXSKMapNotFound
	}
	return i.objs.XSKMap.Update(queue, uint32(fd), ebpf.UpdateAny)
}

func attachXDP(ifaceIndex int, conf InterfaceConfig) (link.Link, *xdp.Objects, error) {
	objs, err := xdp.Load(xdp.Options{Port: conf.Port})
	if err != nil {
		return nil, nil, err
	}

	opts := link.XDPOptions{
		Program:   objs.Program,
		Interface: ifaceIndex,
	}
	if conf.PreferZerocopy {
		// Zero-copy requires the program in driver mode.
		opts.Flags = link.XDPDriverMode
	}

	l, err := link.AttachXDP(opts)
	if err != nil {
		objs.Close()
		return nil, nil, fmt.Errorf("attaching XDP: %w", err)
	}
	return l, objs, nil
}
