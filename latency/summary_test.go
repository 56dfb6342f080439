package latency_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/latency-bench-go/latency"
)

func TestSummarize(t *testing.T) {
	log := strings.Join([]string{
		"recv_time_us,packet_len,seq,latency_us",
		"100,128,0,10.000",
		"101,128,1,20.000",
		"102,128,3,30.000",
		"103,128,2,40.000", // reordered
		"104,128,3,50.000", // duplicate
		"105,128,4,-1.000", // zero timestamp
		"106,10,4294967295,-1.000",
		"",
	}, "\n")

	s, err := latency.Summarize(strings.NewReader(log))
	require.NoError(t, err)

	assert.Equal(t, uint64(7), s.Records)
	assert.Equal(t, uint64(6), s.Decoded)
	assert.Equal(t, uint64(1), s.Invalid)
	assert.Equal(t, uint64(5), s.Unique)
	assert.Equal(t, uint64(1), s.Duplicates)
	assert.Equal(t, uint64(1), s.Reordered)
	assert.Equal(t, uint64(6*128+10), s.Bytes)

	assert.Equal(t, 10.0, s.Min)
	assert.Equal(t, 50.0, s.Max)
	assert.Equal(t, 30.0, s.Mean)
	assert.Equal(t, 30.0, s.P50)
	assert.Equal(t, 50.0, s.P99)

	assert.Equal(t, uint64(2), s.Dropped(7))
	assert.Equal(t, uint64(0), s.Dropped(3))
}

func TestSummarizeMinimal(t *testing.T) {
	s, err := latency.Summarize(strings.NewReader("recv_time_us,packet_len\n1,60\n2,70\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Records)
	assert.Equal(t, uint64(130), s.Bytes)
	assert.Zero(t, s.Decoded)
	assert.Equal(t, latency.SchemaMinimal, s.Schema)
	assert.Equal(t, uint64(3), s.Dropped(5))
}

func TestSummarizeBadInput(t *testing.T) {
	_, err := latency.Summarize(strings.NewReader("a,b,c\n"))
	assert.ErrorIs(t, err, latency.ErrUnknownHeader)

	_, err = latency.Summarize(strings.NewReader(
		"recv_time_us,packet_len,seq,latency_us\n1,x,0,1.0\n"))
	assert.Error(t, err)
}
