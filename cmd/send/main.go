//go:build linux

// Command send paces timestamped wire records to a receiver.
//
//	send [flags] <dest-ip> <port> [rate] [count]
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/latency-bench-go/config"
	"github.com/romshark/latency-bench-go/generator"
	"github.com/romshark/latency-bench-go/ifacestat"
	"github.com/romshark/latency-bench-go/logging"
)

func fatalIf(err error, msg string) {
	if err != nil {
		log.Fatal().Err(err).Msg(msg)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <dest-ip> <port> [rate] [count]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "rate 0 disables pacing, count 0 sends until killed")
	flag.PrintDefaults()
}

func loadConfig() (*config.Send, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fSize := flag.Int("size", 0, "record size in bytes (>= 16)")
	fBurst := flag.Uint64("burst", 0, "packets sent back-to-back per pacing tick")
	fReportEvery := flag.Uint64("report-every", 0, "log progress every N packets")
	fMode := flag.String("mode", "", "transport: udp or xdp")
	fIface := flag.String("i", "", "xdp: egress interface")
	fQueue := flag.Uint("q", 0, "xdp: TX queue ID")
	fZeroCopy := flag.Bool("z", false, "xdp: prefer zerocopy "+
		"(automatically falls back to copy mode if not supported)")
	fDestMAC := flag.String("d", "", "xdp: destination MAC")
	fSrcIP := flag.String("s", "", "xdp: source IP")
	fSrcPort := flag.Uint("src-port", 0, "xdp: source UDP port")
	fStatsIface := flag.String("stats-iface", "", "report counters of this interface")
	fLogLevel := flag.String("log-level", "", "debug, info, warn or error")
	fLogFormat := flag.String("log-format", "", "console or json")
	flag.Usage = usage
	flag.Parse()

	conf := config.Send{
		Generator: generator.Config{
			Rate:  generator.DefaultRate,
			Count: generator.DefaultCount,
		},
	}
	if err := config.Load(*fConfig, &conf); err != nil {
		return nil, err
	}

	args := flag.Args()
	if len(args) < 2 || len(args) > 4 {
		usage()
		os.Exit(2)
	}
	conf.Dest = args[0]
	port, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parsing port: %w", err)
	}
	conf.Port = uint16(port)
	if len(args) > 2 {
		if conf.Generator.Rate, err = strconv.ParseUint(args[2], 10, 64); err != nil {
			return nil, fmt.Errorf("parsing rate: %w", err)
		}
	}
	if len(args) > 3 {
		if conf.Generator.Count, err = strconv.ParseUint(args[3], 10, 64); err != nil {
			return nil, fmt.Errorf("parsing count: %w", err)
		}
	}

	// Explicitly set flags override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "size":
			conf.Generator.RecordSize = *fSize
		case "burst":
			conf.Generator.Burst = *fBurst
		case "report-every":
			conf.Generator.ReportEvery = *fReportEvery
		case "mode":
			conf.Mode = *fMode
		case "i":
			conf.XDP.Interface = *fIface
		case "q":
			conf.XDP.Queue = uint32(*fQueue)
		case "z":
			conf.XDP.Zerocopy = *fZeroCopy
		case "d":
			conf.XDP.DestMAC = *fDestMAC
		case "s":
			conf.XDP.SrcIP = *fSrcIP
		case "src-port":
			conf.XDP.SrcPort = uint16(*fSrcPort)
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
	return &conf, nil
}

// transmitter is a generator.Transmitter owning its endpoint.
type transmitter interface {
	generator.Transmitter
	Close() error
}

func openTransmitter(conf *config.Send) (transmitter, error) {
	if conf.Mode == "udp" {
		tx, err := generator.DialUDP(conf.Dest, conf.Port)
		if err != nil {
			return nil, err
		}
		log.Info().Stringer("local", tx.LocalAddr()).Msg("UDP socket open")
		return tx, nil
	}
	dstMAC, _ := net.ParseMAC(conf.XDP.DestMAC)
	tx, err := generator.OpenXDP(generator.XDPConfig{
		Interface:      conf.XDP.Interface,
		QueueID:        conf.XDP.Queue,
		PreferZerocopy: conf.XDP.Zerocopy,
		DstMAC:         dstMAC,
		SrcIP:          net.ParseIP(conf.XDP.SrcIP),
		DstIP:          net.ParseIP(conf.Dest),
		SrcPort:        conf.XDP.SrcPort,
		DstPort:        conf.Port,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Bool("zerocopy", tx.IsZerocopy()).Msg("AF_XDP socket bound")
	return tx, nil
}

func main() {
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		os.Exit(1)
	}
	l := logging.Init(conf.Logging)

	tx, err := openTransmitter(conf)
	fatalIf(err, "creating endpoint")

	var before ifacestat.Stats
	if conf.StatsIface != "" {
		before, err = ifacestat.Snapshot([]string{conf.StatsIface}, ifacestat.All...)
		fatalIf(err, "reading interface counters")
	}

	l.Info().
		Str("dest", conf.Dest).
		Uint16("port", conf.Port).
		Str("mode", conf.Mode).
		Uint64("rate", conf.Generator.Rate).
		Uint64("count", conf.Generator.Count).
		Uint64("burst", conf.Generator.Burst).
		Int("size", conf.Generator.RecordSize).
		Msg("sending")

	runtime.LockOSThread()
	res, runErr := generator.New(conf.Generator, tx, l).Run()
	runtime.UnlockOSThread()

	closeErr := tx.Close()

	// The report is printed for aborted runs too, before any fatal exit.
	fatalIf(printReport(os.Stdout, res, conf.Generator.RecordSize), "printing report")

	if conf.StatsIface != "" {
		after, err := ifacestat.Snapshot([]string{conf.StatsIface}, ifacestat.All...)
		fatalIf(err, "reading interface counters")
		fmt.Fprint(os.Stdout, "\nINTERFACE COUNTERS\n")
		fatalIf(ifacestat.Print(os.Stdout, after.Since(before), nil), "printing counters")
	}

	fatalIf(runErr, "sending")
	fatalIf(closeErr, "closing endpoint")
}

func printReport(w io.Writer, res generator.Result, recordSize int) error {
	p := message.NewPrinter(language.English)
	if _, err := p.Fprint(w, "\nFINAL REPORT\n"); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, " Sent:              %d packets (%s)\n",
		res.Sent, humanize.Bytes(res.Sent*uint64(recordSize))); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, " Elapsed:           %.3f s\n", res.Elapsed.Seconds()); err != nil {
		return err
	}
	_, err := p.Fprintf(w, " Avg PPS:           %d\n", uint64(res.Rate()))
	return err
}
