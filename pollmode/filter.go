package pollmode

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// UDPPortFilter assembles a classic BPF program accepting IPv4/UDP frames
// with destination port port, honoring IPv4 options.
func UDPPortFilter(port uint16) ([]bpf.RawInstruction, error) {
	prog, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x0800, SkipFalse: 5},
		bpf.LoadAbsolute{Off: 23, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 17, SkipFalse: 3},
		bpf.LoadMemShift{Off: 14},
		bpf.LoadIndirect{Off: 16, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(port), SkipTrue: 1},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 0xFFFF},
	})
	if err != nil {
		return nil, fmt.Errorf("assembling filter: %w", err)
	}
	return prog, nil
}
