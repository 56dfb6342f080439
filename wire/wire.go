// Package wire encodes and decodes the fixed-layout record carried in every
// generated datagram.
//
// Layout (offsets from the start of the application payload):
//
//	0  uint32 sequence
//	4  uint32 reserved (always zero)
//	8  uint64 send timestamp, nanoseconds since the Unix epoch
//	16 trailer filler up to the configured record size
//
// Sequence and timestamp are stored in host byte order. Generator and receiver
// must therefore run on hosts of the same endianness.
package wire

import (
	"encoding/binary"
	"errors"
)

const (
	// PrefixSize is the number of leading bytes that carry meaning.
	// Receivers never read beyond it.
	PrefixSize = 16

	// DefaultRecordSize is the generator's default total payload size.
	DefaultRecordSize = 128

	// Filler is the byte the trailer is filled with.
	Filler = 'A'
)

var ErrShortRecord = errors.New("record shorter than prefix")

// ByteOrder is the byte order of the sequence and timestamp fields.
var ByteOrder = binary.NativeEndian

// Record is the meaningful prefix of a wire record.
type Record struct {
	Seq      uint32
	Reserved uint32
	SendNs   uint64
}

// NewBuffer allocates a record buffer of size bytes (at least PrefixSize)
// with the trailer prefilled.
func NewBuffer(size int) []byte {
	if size < PrefixSize {
		size = PrefixSize
	}
	b := make([]byte, size)
	for i := PrefixSize; i < len(b); i++ {
		b[i] = Filler
	}
	return b
}

// Put writes the prefix of r into b. The trailer is left untouched.
func (r Record) Put(b []byte) error {
	if len(b) < PrefixSize {
		return ErrShortRecord
	}
	ByteOrder.PutUint32(b[0:4], r.Seq)
	ByteOrder.PutUint32(b[4:8], r.Reserved)
	ByteOrder.PutUint64(b[8:16], r.SendNs)
	return nil
}

// Parse decodes the prefix of b.
func Parse(b []byte) (Record, error) {
	if len(b) < PrefixSize {
		return Record{}, ErrShortRecord
	}
	return Record{
		Seq:      ByteOrder.Uint32(b[0:4]),
		Reserved: ByteOrder.Uint32(b[4:8]),
		SendNs:   ByteOrder.Uint64(b[8:16]),
	}, nil
}

// PutSeqAndTime is the generator's hot path: it updates only the sequence and
// timestamp of an already prepared buffer.
func PutSeqAndTime(b []byte, seq uint32, sendNs uint64) {
	_ = b[15] // bounds check hint
	ByteOrder.PutUint32(b[0:4], seq)
	ByteOrder.PutUint64(b[8:16], sendNs)
}
