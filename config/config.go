// Package config holds the YAML configuration of the commands.
// Values from the optional file are overridden by command-line flags,
// then validated once and passed by value into constructors.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/romshark/latency-bench-go/generator"
	"github.com/romshark/latency-bench-go/latency"
	"github.com/romshark/latency-bench-go/pollmode"
	"github.com/romshark/latency-bench-go/receiver"
)

const (
	DefaultSocketLog = "recv_log_socket.csv"
	DefaultXDPLog    = "recv_log_xdp.csv"
	DefaultBenchLog  = "bench_recv_log.csv"
)

var (
	ErrUnknownMode    = errors.New(`mode must be "udp" or "xdp"`)
	ErrUnknownDriver  = errors.New(`driver must be "afxdp" or "afpacket"`)
	ErrUnknownLevel   = errors.New("unknown log level")
	ErrUnknownFormat  = errors.New(`log format must be "console" or "json"`)
	ErrMissingIface   = errors.New("interface must be set")
	ErrMissingDest    = errors.New("destination must be set")
	ErrInvalidPort    = errors.New("port must be between 1-65535")
	ErrNegativeRcvBuf = errors.New("rcvbuf must not be negative")
	ErrUnboundedBench = errors.New("bench needs a packet count > 0")
)

// Load decodes the YAML file at path into v. Unknown keys are rejected.
// An empty path leaves v untouched.
func Load(path string, v any) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

// Dump encodes v as YAML, for printing the resolved configuration.
func Dump(v any) (string, error) {
	b, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding YAML: %w", err)
	}
	return string(b), nil
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Logging) ValidateAndSetDefaults() error {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLevel, c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "console", "json":
	default:
		return ErrUnknownFormat
	}
	return nil
}

// Output configures the latency log shared by both receive paths.
type Output struct {
	Path       string `yaml:"path"`
	Minimal    bool   `yaml:"minimal"`
	FlushEvery int    `yaml:"flush-every"`
	// Metrics is the listen address of the Prometheus endpoint.
	// Empty disables it.
	Metrics string `yaml:"metrics"`
}

func (c *Output) setDefaults(path string) {
	if c.Path == "" {
		c.Path = path
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = latency.DefaultFlushEvery
	}
}

// Schema returns the CSV schema selected by Minimal.
func (c Output) Schema() latency.Schema {
	if c.Minimal {
		return latency.SchemaMinimal
	}
	return latency.SchemaFull
}

// SendXDP addresses frames built by the AF_XDP transmitter.
type SendXDP struct {
	Interface string `yaml:"interface"`
	Queue     uint32 `yaml:"queue"`
	Zerocopy  bool   `yaml:"zerocopy"`
	DestMAC   string `yaml:"dest-mac"`
	SrcIP     string `yaml:"src-ip"`
	SrcPort   uint16 `yaml:"src-port"`
}

type Send struct {
	Dest      string           `yaml:"dest"`
	Port      uint16           `yaml:"port"`
	Mode      string           `yaml:"mode"`
	Generator generator.Config `yaml:"generator"`
	XDP       SendXDP          `yaml:"xdp"`
	// StatsIface is the interface whose counters are reported after the run.
	StatsIface string  `yaml:"stats-iface"`
	Logging    Logging `yaml:"logging"`
}

func (c *Send) ValidateAndSetDefaults() error {
	if c.Mode == "" {
		c.Mode = "udp"
	}
	if c.Dest == "" {
		return ErrMissingDest
	}
	if c.Port == 0 {
		return ErrInvalidPort
	}
	if err := c.Generator.ValidateAndSetDefaults(); err != nil {
		return err
	}
	switch c.Mode {
	case "udp":
	case "xdp":
		if err := c.validateXDP(); err != nil {
			return err
		}
	default:
		return ErrUnknownMode
	}
	return c.Logging.ValidateAndSetDefaults()
}

func (c *Send) validateXDP() error {
	if c.XDP.Interface == "" {
		return ErrMissingIface
	}
	if c.XDP.SrcPort == 0 {
		c.XDP.SrcPort = c.Port
	}
	if net.ParseIP(c.Dest).To4() == nil {
		return fmt.Errorf("xdp mode needs an IPv4 destination, got %q", c.Dest)
	}
	if _, err := net.ParseMAC(c.XDP.DestMAC); err != nil {
		return fmt.Errorf("invalid xdp.dest-mac %q: %w", c.XDP.DestMAC, err)
	}
	if net.ParseIP(c.XDP.SrcIP).To4() == nil {
		return fmt.Errorf("invalid xdp.src-ip %q", c.XDP.SrcIP)
	}
	return nil
}

type Recv struct {
	Port    uint16  `yaml:"port"`
	RcvBuf  int     `yaml:"rcvbuf"`
	Output  Output  `yaml:"output"`
	Logging Logging `yaml:"logging"`
}

func (c *Recv) ValidateAndSetDefaults() error {
	if c.Port == 0 {
		c.Port = receiver.DefaultPort
	}
	if c.RcvBuf == 0 {
		c.RcvBuf = receiver.DefaultRcvBuf
	}
	if c.RcvBuf < 0 {
		return ErrNegativeRcvBuf
	}
	c.Output.setDefaults(DefaultSocketLog)
	return c.Logging.ValidateAndSetDefaults()
}

type RecvXDP struct {
	Driver    string            `yaml:"driver"`
	Interface string            `yaml:"interface"`
	Queue     uint32            `yaml:"queue"`
	Zerocopy  bool              `yaml:"zerocopy"`
	Port      uint16            `yaml:"port"`
	Tunables  pollmode.Tunables `yaml:"tunables"`
	Output    Output            `yaml:"output"`
	Logging   Logging           `yaml:"logging"`
}

func (c *RecvXDP) ValidateAndSetDefaults() error {
	if c.Driver == "" {
		c.Driver = "afxdp"
	}
	if c.Driver != "afxdp" && c.Driver != "afpacket" {
		return ErrUnknownDriver
	}
	if c.Interface == "" {
		return ErrMissingIface
	}
	if c.Port == 0 {
		c.Port = pollmode.DefaultPort
	}
	if err := c.Tunables.ValidateAndSetDefaults(); err != nil {
		return err
	}
	c.Output.setDefaults(DefaultXDPLog)
	return c.Logging.ValidateAndSetDefaults()
}

// Bench is the in-process loopback scenario.
type Bench struct {
	Port       uint16           `yaml:"port"`
	RcvBuf     int              `yaml:"rcvbuf"`
	Generator  generator.Config `yaml:"generator"`
	Output     Output           `yaml:"output"`
	StatsIface string           `yaml:"stats-iface"`
	Logging    Logging          `yaml:"logging"`
}

func (c *Bench) ValidateAndSetDefaults() error {
	if c.Port == 0 {
		c.Port = receiver.DefaultPort
	}
	if c.RcvBuf == 0 {
		c.RcvBuf = receiver.DefaultRcvBuf
	}
	if c.RcvBuf < 0 {
		return ErrNegativeRcvBuf
	}
	if c.StatsIface == "" {
		c.StatsIface = "lo"
	}
	if c.Generator.Count == 0 {
		return ErrUnboundedBench
	}
	if err := c.Generator.ValidateAndSetDefaults(); err != nil {
		return err
	}
	c.Output.setDefaults(DefaultBenchLog)
	return c.Logging.ValidateAndSetDefaults()
}
