package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/latency-bench-go/config"
	"github.com/romshark/latency-bench-go/generator"
	"github.com/romshark/latency-bench-go/latency"
	"github.com/romshark/latency-bench-go/pollmode"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "conf.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadRecvXDP(t *testing.T) {
	p := writeFile(t, `
driver: afpacket
interface: eth1
queue: 2
zerocopy: true
tunables:
  burst: 64
  rxring: 1024
  cache: 100
output:
  path: /tmp/x.csv
  minimal: true
logging:
  level: debug
  format: json
`)
	var c config.RecvXDP
	require.NoError(t, config.Load(p, &c))
	require.NoError(t, c.ValidateAndSetDefaults())

	assert.Equal(t, "afpacket", c.Driver)
	assert.Equal(t, "eth1", c.Interface)
	assert.Equal(t, uint32(2), c.Queue)
	assert.True(t, c.Zerocopy)
	assert.Equal(t, uint16(pollmode.DefaultPort), c.Port)
	assert.Equal(t, pollmode.Tunables{
		Burst: 64, RxRing: 1024, NumFrames: pollmode.DefaultNumFrames, Cache: 100,
	}, c.Tunables)
	assert.Equal(t, "/tmp/x.csv", c.Output.Path)
	assert.Equal(t, latency.SchemaMinimal, c.Output.Schema())
	assert.Equal(t, latency.DefaultFlushEvery, c.Output.FlushEvery)
	assert.Equal(t, "json", c.Logging.Format)
}

func TestLoadEmptyPath(t *testing.T) {
	c := config.Recv{Port: 1234}
	require.NoError(t, config.Load("", &c))
	assert.Equal(t, uint16(1234), c.Port)
}

func TestLoadEmptyFile(t *testing.T) {
	var c config.Recv
	require.NoError(t, config.Load(writeFile(t, ""), &c))
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	var c config.Recv
	err := config.Load(writeFile(t, "prot: 9000\n"), &c)
	assert.ErrorContains(t, err, "prot")
}

func TestLoadMissingFile(t *testing.T) {
	var c config.Recv
	assert.Error(t, config.Load(filepath.Join(t.TempDir(), "nope.yaml"), &c))
}

func TestRecvDefaults(t *testing.T) {
	var c config.Recv
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, uint16(9000), c.Port)
	assert.Equal(t, 8<<20, c.RcvBuf)
	assert.Equal(t, config.DefaultSocketLog, c.Output.Path)
	assert.Equal(t, latency.SchemaFull, c.Output.Schema())
	assert.Equal(t, "info", c.Logging.Level)
	assert.Equal(t, "console", c.Logging.Format)
}

func TestRecvXDPValidation(t *testing.T) {
	c := config.RecvXDP{}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), config.ErrMissingIface)

	c = config.RecvXDP{Interface: "eth0", Driver: "dpdk"}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), config.ErrUnknownDriver)

	c = config.RecvXDP{Interface: "eth0", Tunables: pollmode.Tunables{Cache: 300}}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), pollmode.ErrCacheTooLarge)

	c = config.RecvXDP{Interface: "eth0"}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "afxdp", c.Driver)
	assert.Equal(t, config.DefaultXDPLog, c.Output.Path)
}

func TestSendValidation(t *testing.T) {
	c := config.Send{}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), config.ErrMissingDest)

	c = config.Send{Dest: "10.0.0.2"}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), config.ErrInvalidPort)

	c = config.Send{Dest: "10.0.0.2", Port: 9000, Mode: "tcp"}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), config.ErrUnknownMode)

	c = config.Send{Dest: "10.0.0.2", Port: 9000, Mode: "xdp"}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), config.ErrMissingIface)

	c = config.Send{Dest: "10.0.0.2", Port: 9000, Mode: "xdp", XDP: config.SendXDP{
		Interface: "eth0", DestMAC: "zz", SrcIP: "10.0.0.1",
	}}
	assert.ErrorContains(t, c.ValidateAndSetDefaults(), "dest-mac")

	c = config.Send{Dest: "10.0.0.2", Port: 9000, Mode: "xdp", XDP: config.SendXDP{
		Interface: "eth0", DestMAC: "02:00:00:00:00:02", SrcIP: "10.0.0.1",
	}}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, uint16(9000), c.XDP.SrcPort)

	c = config.Send{Dest: "localhost", Port: 9000}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "udp", c.Mode)
	assert.Zero(t, c.Generator.Rate, "rate is left to the caller")
	assert.Zero(t, c.Generator.Count, "count 0 runs unbounded")
	assert.Equal(t, uint64(1), c.Generator.Burst)
}

func TestBenchNeedsCount(t *testing.T) {
	var c config.Bench
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), config.ErrUnboundedBench)

	c = config.Bench{Generator: generator.Config{Count: 10}}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "lo", c.StatsIface)
}

func TestLoggingValidation(t *testing.T) {
	c := config.Logging{Level: "verbose"}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), config.ErrUnknownLevel)

	c = config.Logging{Format: "xml"}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), config.ErrUnknownFormat)
}

func TestDump(t *testing.T) {
	s, err := config.Dump(config.Recv{Port: 9000})
	require.NoError(t, err)
	assert.Contains(t, s, "port: 9000")
}
