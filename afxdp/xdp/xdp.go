//go:build linux

// Package xdp builds and loads the XDP program that steers received frames
// into AF_XDP sockets registered in an XSKMAP, keyed by RX queue index.
package xdp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

const DefaultMaxQueues = 64

// Return codes and xdp_md offsets from linux/bpf.h.
const (
	xdpPass = 2

	offData         = 0
	offDataEnd      = 4
	offRxQueueIndex = 16
)

const (
	ethHdrLen = 14
	ipHdrMin  = 20
	udpHdrLen = 8
	protoUDP  = 17
)

// Options configures the program.
type Options struct {
	// Port restricts redirection to IPv4/UDP frames with this destination
	// port; everything else goes up the regular stack. Zero redirects all.
	Port uint16
	// MaxQueues is the XSKMAP capacity. Zero selects DefaultMaxQueues.
	MaxQueues uint32
}

// Objects are the loaded program and its socket map.
type Objects struct {
	Program *ebpf.Program
	XSKMap  *ebpf.Map
}

// Load creates the XSKMAP and loads the program referencing it.
func Load(opts Options) (*Objects, error) {
	if opts.MaxQueues == 0 {
		opts.MaxQueues = DefaultMaxQueues
	}
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: opts.MaxQueues,
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks_map: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xdp_sock_prog",
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: Instructions(m.FD(), opts.Port),
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("loading xdp_sock_prog: %w", err)
	}
	return &Objects{Program: prog, XSKMap: m}, nil
}

// Close releases the program and the map.
func (o *Objects) Close() error {
	var errs []error
	if o.Program != nil {
		if err := o.Program.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing program: %w", err))
		}
		o.Program = nil
	}
	if o.XSKMap != nil {
		if err := o.XSKMap.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing xsks_map: %w", err))
		}
		o.XSKMap = nil
	}
	return errors.Join(errs...)
}

// beImm returns the immediate a host-order load of the big-endian encoding
// of v compares equal to.
func beImm(v uint16) int32 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return int32(binary.NativeEndian.Uint16(b[:]))
}

// Instructions returns the program:
//
//	if port != 0 && !(ipv4 && udp && udp.dst == port) { return XDP_PASS }
//	return bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS)
//
// The XDP_PASS flag makes the kernel pass frames for queues without a
// registered socket.
func Instructions(xskMapFD int, port uint16) asm.Instructions {
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
	}

	if port != 0 {
		insns = append(insns,
			asm.LoadMem(asm.R2, asm.R6, offData, asm.Word),
			asm.LoadMem(asm.R3, asm.R6, offDataEnd, asm.Word),

			// Fixed Ethernet + minimal IPv4 header in bounds.
			asm.Mov.Reg(asm.R4, asm.R2),
			asm.Add.Imm(asm.R4, ethHdrLen+ipHdrMin),
			asm.JGT.Reg(asm.R4, asm.R3, "pass"),

			asm.LoadMem(asm.R5, asm.R2, 12, asm.Half),
			asm.JNE.Imm(asm.R5, beImm(0x0800), "pass"),
			asm.LoadMem(asm.R5, asm.R2, ethHdrLen+9, asm.Byte),
			asm.JNE.Imm(asm.R5, protoUDP, "pass"),

			// r7 = start of the UDP header, honoring IPv4 options.
			asm.LoadMem(asm.R4, asm.R2, ethHdrLen, asm.Byte),
			asm.And.Imm(asm.R4, 0x0f),
			asm.LSh.Imm(asm.R4, 2),
			asm.JLT.Imm(asm.R4, ipHdrMin, "pass"),
			asm.Mov.Reg(asm.R7, asm.R2),
			asm.Add.Reg(asm.R7, asm.R4),
			asm.Add.Imm(asm.R7, ethHdrLen),

			asm.Mov.Reg(asm.R5, asm.R7),
			asm.Add.Imm(asm.R5, udpHdrLen),
			asm.JGT.Reg(asm.R5, asm.R3, "pass"),

			asm.LoadMem(asm.R5, asm.R7, 2, asm.Half),
			asm.JNE.Imm(asm.R5, beImm(port), "pass"),
		)
	}

	insns = append(insns,
		asm.LoadMem(asm.R2, asm.R6, offRxQueueIndex, asm.Word),
		asm.LoadMapPtr(asm.R1, xskMapFD),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),
	)

	if port != 0 {
		insns = append(insns,
			asm.Mov.Imm(asm.R0, xdpPass).WithSymbol("pass"),
			asm.Return(),
		)
	}
	return insns
}
