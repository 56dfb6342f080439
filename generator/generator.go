// Package generator sends paced, timestamped wire records.
package generator

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/romshark/latency-bench-go/ratelimit"
	"github.com/romshark/latency-bench-go/wire"
)

const (
	DefaultRate        = 100_000
	DefaultCount       = 1_000_000
	DefaultReportEvery = 100_000
)

var ErrRecordTooSmall = fmt.Errorf("record size must be >= %d", wire.PrefixSize)

// Transmitter sends one payload. The payload buffer is reused by the
// caller once Transmit returns.
type Transmitter interface {
	Transmit(payload []byte) error
}

// Config of a generator run. Rate 0 sends as fast as the transmitter allows.
// Count 0 sends until the process is killed.
type Config struct {
	Rate  uint64 `yaml:"rate"`
	Count uint64 `yaml:"count"`

	// Burst is the number of records sent back-to-back per pacing tick.
	// The average rate stays Rate.
	Burst uint64 `yaml:"burst"`

	RecordSize  int    `yaml:"record-size"`
	ReportEvery uint64 `yaml:"report-every"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Burst == 0 {
		c.Burst = 1
	}
	if c.RecordSize == 0 {
		c.RecordSize = wire.DefaultRecordSize
	}
	if c.ReportEvery == 0 {
		c.ReportEvery = DefaultReportEvery
	}
	if c.RecordSize < wire.PrefixSize {
		return ErrRecordTooSmall
	}
	return nil
}

// Result summarizes a run, complete or aborted.
type Result struct {
	Sent    uint64
	Elapsed time.Duration
}

// Rate returns the average packets per second.
func (r Result) Rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Sent) / r.Elapsed.Seconds()
}

type Generator struct {
	conf Config
	tx   Transmitter
	log  zerolog.Logger
	now  func() time.Time
}

// New creates a generator. conf must be validated.
func New(conf Config, tx Transmitter, log zerolog.Logger) *Generator {
	return &Generator{conf: conf, tx: tx, log: log, now: time.Now}
}

// sequenceFor maps the packet index to its sequence number, wrapping at 2^32.
func sequenceFor(i uint64) uint32 { return uint32(i) }

func (g *Generator) done(sent uint64) bool {
	return g.conf.Count != 0 && sent >= g.conf.Count
}

// Run sends conf.Count records in bursts of conf.Burst, one burst per
// pacing tick. The send timestamp is taken immediately before each
// transmission. The first transmission error ends the run and is returned
// along with the partial result.
func (g *Generator) Run() (Result, error) {
	buf := wire.NewBuffer(g.conf.RecordSize)

	start := g.now()
	pacer := ratelimit.NewBurst(g.conf.Rate, g.conf.Burst, start)
	windowStart := start

	var sent uint64
	for !g.done(sent) {
		for iter := uint64(0); iter < g.conf.Burst; iter++ {
			if g.done(sent) {
				break
			}
			seq := sequenceFor(sent)
			wire.PutSeqAndTime(buf, seq, uint64(g.now().UnixNano()))
			if err := g.tx.Transmit(buf); err != nil {
				return Result{Sent: sent, Elapsed: g.now().Sub(start)},
					fmt.Errorf("transmitting seq %d: %w", seq, err)
			}
			sent++

			if sent%g.conf.ReportEvery == 0 {
				now := g.now()
				g.log.Info().
					Uint64("sent", sent).
					Dur("elapsed", now.Sub(start)).
					Float64("pps", float64(g.conf.ReportEvery)/now.Sub(windowStart).Seconds()).
					Msg("progress")
				windowStart = now
			}
		}
		pacer.Wait()
	}
	return Result{Sent: sent, Elapsed: g.now().Sub(start)}, nil
}
