// Command bench runs the generator against an in-process socket receiver
// over loopback and summarizes the resulting latency log.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/latency-bench-go/config"
	"github.com/romshark/latency-bench-go/generator"
	"github.com/romshark/latency-bench-go/ifacestat"
	"github.com/romshark/latency-bench-go/latency"
	"github.com/romshark/latency-bench-go/logging"
	"github.com/romshark/latency-bench-go/receiver"
)

// drainDelay is how long the receiver keeps reading after the last send.
const drainDelay = 300 * time.Millisecond

func fatalIf(err error, msg string) {
	if err != nil {
		log.Fatal().Err(err).Msg(msg)
	}
}

func loadConfig() (*config.Bench, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fPort := flag.Uint("port", 0, "loopback UDP port")
	fRcvBuf := flag.Int("rcvbuf", 0, "requested kernel receive buffer in bytes")
	fRate := flag.Uint64("rate", 0, "packets per second (0 = unthrottled)")
	fCount := flag.Uint64("n", 0, "packet count")
	fBurst := flag.Uint64("burst", 0, "packets sent back-to-back per pacing tick")
	fSize := flag.Int("size", 0, "record size in bytes (>= 16)")
	fLog := flag.String("log", "", "latency log path")
	fStatsIface := flag.String("stats-iface", "", "report counters of this interface")
	fLogLevel := flag.String("log-level", "", "debug, info, warn or error")
	fLogFormat := flag.String("log-format", "", "console or json")
	fPrintConfig := flag.Bool("print-config", false, "print the resolved config")
	flag.Parse()

	conf := config.Bench{
		Generator: generator.Config{
			Rate:  generator.DefaultRate,
			Count: generator.DefaultCount,
		},
	}
	if err := config.Load(*fConfig, &conf); err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			conf.Port = uint16(*fPort)
		case "rcvbuf":
			conf.RcvBuf = *fRcvBuf
		case "rate":
			conf.Generator.Rate = *fRate
		case "n":
			conf.Generator.Count = *fCount
		case "burst":
			conf.Generator.Burst = *fBurst
		case "size":
			conf.Generator.RecordSize = *fSize
		case "log":
			conf.Output.Path = *fLog
		case "stats-iface":
			conf.StatsIface = *fStatsIface
		case "log-level":
			conf.Logging.Level = *fLogLevel
		case "log-format":
			conf.Logging.Format = *fLogFormat
		}
	})

	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	if *fPrintConfig {
		s, err := config.Dump(conf)
		if err != nil {
			return nil, fmt.Errorf("encoding final YAML config: %w", err)
		}
		fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n%s\n", s)
	}
	return &conf, nil
}

func main() {
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		os.Exit(1)
	}
	l := logging.Init(conf.Logging)

	conn, err := receiver.Listen(conf.Port, conf.RcvBuf)
	fatalIf(err, "creating receiver endpoint")

	out, err := latency.OpenLogger(conf.Output.Path, conf.Output.Schema(), conf.Output.FlushEvery)
	fatalIf(err, "opening latency log")

	before, err := ifacestat.Snapshot([]string{conf.StatsIface}, ifacestat.All...)
	if err != nil {
		l.Warn().Err(err).Str("iface", conf.StatsIface).Msg("interface counters unavailable")
	}

	rec := latency.NewRecorder(out, !conf.Output.Minimal, nil)
	var (
		wg      sync.WaitGroup
		recvErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runtime.LockOSThread()
		recvErr = receiver.NewSocketReceiver(conn, rec, l).Run()
	}()

	tx, err := generator.DialUDP("127.0.0.1", conf.Port)
	fatalIf(err, "creating sender endpoint")

	l.Info().
		Uint16("port", conf.Port).
		Uint64("rate", conf.Generator.Rate).
		Uint64("count", conf.Generator.Count).
		Int("size", conf.Generator.RecordSize).
		Str("log", conf.Output.Path).
		Msg("running loopback benchmark")

	res, sendErr := generator.New(conf.Generator, tx, l).Run()
	fatalIf(tx.Close(), "closing sender endpoint")

	l.Debug().Dur("delay", drainDelay).Msg("waiting for in-flight packets")
	time.Sleep(drainDelay)
	fatalIf(conn.Close(), "closing receiver endpoint")
	wg.Wait()
	fatalIf(out.Close(), "closing latency log")
	fatalIf(sendErr, "sending")
	fatalIf(recvErr, "receiving")

	f, err := os.Open(conf.Output.Path)
	fatalIf(err, "reopening latency log")
	sum, err := latency.Summarize(f)
	f.Close()
	fatalIf(err, "summarizing latency log")

	fatalIf(printReport(os.Stdout, res, sum), "printing report")

	if before != nil {
		after, err := ifacestat.Snapshot([]string{conf.StatsIface}, ifacestat.All...)
		fatalIf(err, "reading interface counters")
		fmt.Fprint(os.Stdout, "\nINTERFACE COUNTERS\n")
		fatalIf(ifacestat.Print(os.Stdout, after.Since(before), nil), "printing counters")
	}
}

func printReport(w io.Writer, res generator.Result, sum latency.Summary) error {
	p := message.NewPrinter(language.English)
	dropped := sum.Dropped(res.Sent)
	var dropPct float64
	if res.Sent > 0 {
		dropPct = float64(dropped) / float64(res.Sent) * 100
	}

	if _, err := p.Fprint(w, "\nFINAL REPORT\n"); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, " Elapsed:           %.3f s\n", res.Elapsed.Seconds()); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, " Avg PPS:           %d\n", uint64(res.Rate())); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, " Received:          %d packets (%s)\n\n",
		sum.Records, humanize.Bytes(sum.Bytes)); err != nil {
		return err
	}

	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"Metric", "Value"})
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_RIGHT)
	t.AppendBulk([][]string{
		{"sent", humanize.Comma(int64(res.Sent))},
		{"received", humanize.Comma(int64(sum.Records))},
		{"dropped", fmt.Sprintf("%s (%.4f%%)", humanize.Comma(int64(dropped)), dropPct)},
		{"invalid", humanize.Comma(int64(sum.Invalid))},
		{"duplicates", humanize.Comma(int64(sum.Duplicates))},
		{"reordered", humanize.Comma(int64(sum.Reordered))},
		{"min µs", usec(sum.Min)},
		{"mean µs", usec(sum.Mean)},
		{"p50 µs", usec(sum.P50)},
		{"p90 µs", usec(sum.P90)},
		{"p99 µs", usec(sum.P99)},
		{"p99.9 µs", usec(sum.P999)},
		{"max µs", usec(sum.Max)},
	})
	t.Render()
	return nil
}

func usec(v float64) string { return fmt.Sprintf("%.3f", v) }
