// Package ifacestat snapshots kernel network interface counters.
package ifacestat

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/vishvananda/netlink"
)

var ErrNoStatistics = errors.New("link reports no statistics")

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
	RxDropped
)

// All lists every known counter.
var All = []Counter{TxPackets, TxBytes, RxPackets, RxBytes, RxDropped}

// String returns the kernel's name for the counter.
func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDropped:
		return "rx_dropped"
	}
	return ""
}

func (c Counter) value(st *netlink.LinkStatistics) uint64 {
	switch c {
	case TxPackets:
		return st.TxPackets
	case TxBytes:
		return st.TxBytes
	case RxPackets:
		return st.RxPackets
	case RxBytes:
		return st.RxBytes
	case RxDropped:
		return st.RxDropped
	}
	return 0
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Source returns the kernel counters of a link.
type Source interface {
	LinkStatistics(iface string) (*netlink.LinkStatistics, error)
}

// Netlink queries link attributes over rtnetlink.
type Netlink struct{}

func (Netlink) LinkStatistics(iface string) (*netlink.LinkStatistics, error) {
	l, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, err
	}
	if st := l.Attrs().Statistics; st != nil {
		return st, nil
	}
	return nil, ErrNoStatistics
}

// Snapshot reads counters of ifaces over netlink.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	return SnapshotFrom(Netlink{}, ifaces, counters...)
}

// SnapshotFrom reads counters of ifaces from src.
func SnapshotFrom(src Source, ifaces []string, counters ...Counter) (Stats, error) {
	s := make(Stats, len(ifaces))
	for _, iface := range ifaces {
		st, err := src.LinkStatistics(iface)
		if err != nil {
			return nil, fmt.Errorf("reading %s statistics: %w", iface, err)
		}
		vals := make(IfaceStats, len(counters))
		for _, c := range counters {
			vals[c] = c.value(st)
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

// Print writes a human-readable block per interface in name order.
func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		st := s[iface]
		name := iface
		if alias, ok := aliases[iface]; ok {
			name = fmt.Sprintf("%s (%s)", iface, alias)
		}
		if _, err := fmt.Fprintf(w, "%s:\n", name); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "  TX   %-12s ≈ %s\n",
			humanize.Comma(int64(st[TxPackets])), humanize.Bytes(st[TxBytes]),
		); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "  RX   %-12s ≈ %s  dropped %s\n",
			humanize.Comma(int64(st[RxPackets])), humanize.Bytes(st[RxBytes]),
			humanize.Comma(int64(st[RxDropped])),
		); err != nil {
			return err
		}
	}
	return nil
}
