// Package latency turns arrivals into latency records and persists them.
package latency

import "github.com/romshark/latency-bench-go/wire"

const (
	// SeqInvalid is logged when the wire record could not be decoded.
	SeqInvalid uint32 = 0xFFFFFFFF

	// Invalid is logged when no latency could be computed.
	Invalid float64 = -1.0

	// ToleranceNs is the largest negative one-way delay still accepted as clock
	// noise. Anything below it is reported as Invalid.
	ToleranceNs int64 = -100_000
)

// Record is the measurement derived from a single arrival.
type Record struct {
	ArrivalUs uint64  // Microseconds since the Unix epoch.
	WireLen   uint32  // Datagram or frame length in bytes.
	Seq       uint32  // SeqInvalid if undecodable.
	LatencyUs float64 // Invalid if not computable.
}

// Decoded reports whether the wire record prefix was decoded.
func (r Record) Decoded() bool { return r.Seq != SeqInvalid }

// Compute returns the one-way latency in microseconds or Invalid
// if sendNs is zero or the delay is below ToleranceNs.
func Compute(arrivalNs, sendNs uint64) float64 {
	if sendNs == 0 {
		return Invalid
	}
	diff := int64(arrivalNs) - int64(sendNs)
	if diff < ToleranceNs {
		return Invalid
	}
	return float64(diff) / 1000.0
}

// Measure builds the record for an arrival observed at arrivalNs.
// payload is the application payload; nil or short payloads yield sentinels.
func Measure(arrivalNs uint64, wireLen int, payload []byte) Record {
	r := Record{
		ArrivalUs: arrivalNs / 1000,
		WireLen:   uint32(wireLen),
		Seq:       SeqInvalid,
		LatencyUs: Invalid,
	}
	p, err := wire.Parse(payload)
	if err != nil {
		return r
	}
	r.Seq = p.Seq
	r.LatencyUs = Compute(arrivalNs, p.SendNs)
	return r
}
