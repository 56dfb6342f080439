package latency

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
)

var ErrUnknownHeader = errors.New("unknown log header")

// Summary aggregates a latency log.
type Summary struct {
	Schema     Schema
	Records    uint64
	Decoded    uint64 // Records with a valid sequence number.
	Invalid    uint64 // Decoded records with a sentinel latency.
	Unique     uint64 // Distinct sequence numbers.
	Duplicates uint64
	Reordered  uint64 // Sequence numbers lower than one seen before.
	Bytes      uint64

	// Latency statistics in microseconds over valid measurements.
	Min, Mean, P50, P90, P99, P999, Max float64
}

// Dropped returns how many of sent packets never showed up.
// Minimal logs carry no sequence numbers, so every record counts.
func (s Summary) Dropped(sent uint64) uint64 {
	got := s.Unique
	if s.Schema == SchemaMinimal {
		got = s.Records
	}
	if got >= sent {
		return 0
	}
	return sent - got
}

// Summarize reads a CSV log written by Logger.
func Summarize(r io.Reader) (Summary, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return Summary{}, fmt.Errorf("reading header: %w", err)
	}
	var schema Schema
	switch len(header) {
	case 2:
		schema = SchemaMinimal
	case 4:
		schema = SchemaFull
	default:
		return Summary{}, fmt.Errorf("%w: %v", ErrUnknownHeader, header)
	}
	cr.FieldsPerRecord = len(header)

	var (
		s       = Summary{Schema: schema}
		lat     []float64
		seen    = make(map[uint32]struct{})
		maxSeq  uint32
		anySeen bool
	)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Summary{}, fmt.Errorf("line %d: %w", line, err)
		}
		s.Records++

		n, err := strconv.ParseUint(row[1], 10, 32)
		if err != nil {
			return Summary{}, fmt.Errorf("line %d: packet_len: %w", line, err)
		}
		s.Bytes += n

		if schema == SchemaMinimal {
			continue
		}

		seq64, err := strconv.ParseUint(row[2], 10, 32)
		if err != nil {
			return Summary{}, fmt.Errorf("line %d: seq: %w", line, err)
		}
		seq := uint32(seq64)
		if seq == SeqInvalid {
			continue
		}
		s.Decoded++

		if _, ok := seen[seq]; ok {
			s.Duplicates++
		} else {
			seen[seq] = struct{}{}
		}
		if anySeen && seq < maxSeq {
			s.Reordered++
		}
		if !anySeen || seq > maxSeq {
			maxSeq, anySeen = seq, true
		}

		v, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return Summary{}, fmt.Errorf("line %d: latency_us: %w", line, err)
		}
		if v == Invalid {
			s.Invalid++
			continue
		}
		lat = append(lat, v)
	}
	s.Unique = uint64(len(seen))

	if len(lat) > 0 {
		slices.Sort(lat)
		var sum float64
		for _, v := range lat {
			sum += v
		}
		s.Min, s.Max = lat[0], lat[len(lat)-1]
		s.Mean = sum / float64(len(lat))
		s.P50 = percentile(lat, 50)
		s.P90 = percentile(lat, 90)
		s.P99 = percentile(lat, 99)
		s.P999 = percentile(lat, 99.9)
	}
	return s, nil
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
