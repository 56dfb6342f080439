package receiver_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/latency-bench-go/latency"
	"github.com/romshark/latency-bench-go/receiver"
	"github.com/romshark/latency-bench-go/wire"
)

type memSink struct{ recs []latency.Record }

func (m *memSink) Write(r latency.Record) error {
	m.recs = append(m.recs, r)
	return nil
}

// scriptedConn replays datagrams and errors, then reports net.ErrClosed.
type scriptedConn struct {
	steps []any
}

func (c *scriptedConn) ReadFrom(p []byte) (int, net.Addr, error) {
	if len(c.steps) == 0 {
		return 0, nil, net.ErrClosed
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	switch s := s.(type) {
	case error:
		return 0, nil, s
	case []byte:
		return copy(p, s), &net.UDPAddr{}, nil
	}
	panic("unexpected step")
}

func datagram(seq uint32, sendNs uint64, size int) []byte {
	b := wire.NewBuffer(size)
	wire.PutSeqAndTime(b, seq, sendNs)
	return b
}

func TestRunRecordsAndSkipsErrors(t *testing.T) {
	sendNs := uint64(time.Now().UnixNano())
	conn := &scriptedConn{steps: []any{
		datagram(1, sendNs, 128),
		errors.New("connection refused"),
		[]byte("short"),
		datagram(2, 0, 1400),
		datagram(3, sendNs, 128),
	}}
	sink := &memSink{}
	r := receiver.NewSocketReceiver(conn, latency.NewRecorder(sink, true, nil), zerolog.Nop())

	require.NoError(t, r.Run())
	require.Len(t, sink.recs, 4)

	assert.Equal(t, uint32(1), sink.recs[0].Seq)
	assert.Equal(t, uint32(128), sink.recs[0].WireLen)
	assert.GreaterOrEqual(t, sink.recs[0].LatencyUs, 0.0)

	assert.Equal(t, latency.SeqInvalid, sink.recs[1].Seq)
	assert.Equal(t, uint32(5), sink.recs[1].WireLen)

	assert.Equal(t, uint32(2), sink.recs[2].Seq, "zero timestamp still decodes")
	assert.Equal(t, latency.Invalid, sink.recs[2].LatencyUs)
	assert.Equal(t, uint32(1400), sink.recs[2].WireLen, "true datagram length")

	assert.Equal(t, uint32(3), sink.recs[3].Seq)
}

type failSink struct{}

func (failSink) Write(latency.Record) error { return errors.New("disk full") }

func TestRunFailsOnSinkError(t *testing.T) {
	conn := &scriptedConn{steps: []any{datagram(1, 1, 16)}}
	r := receiver.NewSocketReceiver(conn, latency.NewRecorder(failSink{}, true, nil), zerolog.Nop())
	assert.ErrorContains(t, r.Run(), "disk full")
}

func TestLoopback(t *testing.T) {
	conn, err := receiver.Listen(0, 1<<20)
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port

	sink := &memSink{}
	r := receiver.NewSocketReceiver(conn, latency.NewRecorder(sink, false, nil), zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	out, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer out.Close()
	_, err = out.Write(datagram(0, uint64(time.Now().UnixNano()), 64))
	require.NoError(t, err)

	// Give the datagram time to arrive before closing from outside.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop after close")
	}
	require.Len(t, sink.recs, 1)
	assert.Equal(t, uint32(64), sink.recs[0].WireLen)
	assert.False(t, sink.recs[0].Decoded(), "minimal schema")
}
