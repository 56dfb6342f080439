package latency_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/latency-bench-go/latency"
)

type memSink struct {
	records []latency.Record
	err     error
}

func (s *memSink) Write(r latency.Record) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, r)
	return nil
}

type countingObserver struct{ n int }

func (o *countingObserver) Observe(latency.Record) { o.n++ }

func TestRecorderDecode(t *testing.T) {
	sink, obs := &memSink{}, &countingObserver{}
	rec := latency.NewRecorder(sink, true, obs)

	r, err := rec.Record(2_000_000, 128, payload(5, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), r.Seq)
	assert.InDelta(t, 1000.0, r.LatencyUs, 1e-9)

	_, err = rec.Record(2_000_000, 60, nil)
	require.NoError(t, err)

	require.Len(t, sink.records, 2)
	assert.Equal(t, latency.SeqInvalid, sink.records[1].Seq)
	assert.Equal(t, 2, obs.n)
}

func TestRecorderMinimalSkipsDecoding(t *testing.T) {
	sink := &memSink{}
	rec := latency.NewRecorder(sink, false, nil)

	r, err := rec.Record(2_000_000, 128, payload(5, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, latency.SeqInvalid, r.Seq)
	assert.Equal(t, latency.Invalid, r.LatencyUs)
	assert.Equal(t, uint64(2000), r.ArrivalUs)
	assert.Equal(t, uint32(128), r.WireLen)
}

func TestRecorderSinkError(t *testing.T) {
	errDisk := errors.New("disk full")
	obs := &countingObserver{}
	rec := latency.NewRecorder(&memSink{err: errDisk}, true, obs)

	_, err := rec.Record(1, 1, nil)
	assert.ErrorIs(t, err, errDisk)
	assert.Zero(t, obs.n, "observer only sees persisted records")
}
