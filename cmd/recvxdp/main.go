//go:build linux

// Command recvxdp records latency on the kernel-bypass poll-mode path.
// Driver flags come first; application flags follow "--":
//
//	recvxdp -i eth1 -q 0 -z -- --burst=32 --rxring=512 --cache=250 --log=recv_log_xdp.csv
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/romshark/latency-bench-go/config"
	"github.com/romshark/latency-bench-go/latency"
	"github.com/romshark/latency-bench-go/logging"
	"github.com/romshark/latency-bench-go/metrics"
	"github.com/romshark/latency-bench-go/pollmode"
)

func fatalIf(err error, msg string) {
	if err != nil {
		log.Fatal().Err(err).Msg(msg)
	}
}

func loadConfig(args []string) (*config.RecvXDP, error) {
	driverFS := flag.NewFlagSet("driver", flag.ExitOnError)
	fConfig := driverFS.String("config", "", "path to config YAML file")
	fDriver := driverFS.String("driver", "", "afxdp or afpacket")
	fIface := driverFS.String("i", "", "interface")
	fQueue := driverFS.Uint("q", 0, "RX queue ID")
	fZeroCopy := driverFS.Bool("z", false, "prefer zerocopy "+
		"(automatically falls back to copy mode if not supported)")
	fPort := driverFS.Uint("port", 0, "UDP destination port to capture")
	fFrames := driverFS.Uint("frames", 0, "frame pool size")
	fLogLevel := driverFS.String("log-level", "", "debug, info, warn or error")
	fLogFormat := driverFS.String("log-format", "", "console or json")
	if err := driverFS.Parse(args); err != nil {
		return nil, err
	}

	appFS := flag.NewFlagSet("app", flag.ExitOnError)
	fBurst := appFS.Int("burst", 0, "max frames per poll")
	fRxRing := appFS.Uint("rxring", 0, "RX ring depth")
	fCache := appFS.Uint("cache", 0, "released frames staged before refilling")
	fLog := appFS.String("log", "", "latency log path")
	fMinimal := appFS.Bool("minimal", false, "log arrival time and length only")
	fFlushEvery := appFS.Int("flush-every", 0, "flush the log every N records")
	fMetrics := appFS.String("metrics", "", "serve Prometheus metrics on this address")
	if err := appFS.Parse(driverFS.Args()); err != nil {
		return nil, err
	}
	if appFS.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", appFS.Args())
	}

	var conf config.RecvXDP
	if err := config.Load(*fConfig, &conf); err != nil {
		return nil, err
	}

	driverFS.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "driver":
			conf.Driver = *fDriver
		case "i":
			conf.Interface = *fIface
		case "q":
			conf.Queue = uint32(*fQueue)
		case "z":
			conf.Zerocopy = *fZeroCopy
		case "port":
			conf.Port = uint16(*fPort)
		case "frames":
			conf.Tunables.NumFrames = uint32(*fFrames)
		case "log-level":
			conf.Logging.Level = *fLogLevel
		case "log-format":
			conf.Logging.Format = *fLogFormat
		}
	})
	appFS.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "burst":
			conf.Tunables.Burst = *fBurst
		case "rxring":
			conf.Tunables.RxRing = uint32(*fRxRing)
		case "cache":
			conf.Tunables.Cache = uint32(*fCache)
		case "log":
			conf.Output.Path = *fLog
		case "minimal":
			conf.Output.Minimal = *fMinimal
		case "flush-every":
			conf.Output.FlushEvery = *fFlushEvery
		case "metrics":
			conf.Output.Metrics = *fMetrics
		}
	})

	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// driver is a Source that reports its counters.
type driver interface {
	pollmode.Source
	Stats() (pollmode.DriverStats, error)
}

func openSource(conf *config.RecvXDP, l zerolog.Logger) (driver, error) {
	if conf.Driver == "afpacket" {
		return pollmode.OpenPacketRing(conf.Interface, conf.Port, conf.Tunables)
	}
	src, err := pollmode.OpenXDP(pollmode.XDPConfig{
		Interface:      conf.Interface,
		QueueID:        conf.Queue,
		PreferZerocopy: conf.Zerocopy,
		Port:           conf.Port,
	}, conf.Tunables)
	if err != nil {
		return nil, err
	}
	l.Info().Bool("zerocopy", src.IsZerocopy()).Msg("AF_XDP socket bound")
	return src, nil
}

func main() {
	conf, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		os.Exit(1)
	}
	l := logging.Init(conf.Logging)

	src, err := openSource(conf, l)
	fatalIf(err, "bringing up driver")

	out, err := latency.OpenLogger(conf.Output.Path, conf.Output.Schema(), conf.Output.FlushEvery)
	fatalIf(err, "opening latency log")

	var (
		obs   latency.Observer
		frObs pollmode.Observer
	)
	if conf.Output.Metrics != "" {
		m := metrics.New(prometheus.DefaultRegisterer, conf.Driver)
		obs, frObs = m, m
		metrics.Serve(conf.Output.Metrics, l)
	}

	l.Info().
		Str("driver", conf.Driver).
		Str("iface", conf.Interface).
		Uint32("queue", conf.Queue).
		Uint16("port", conf.Port).
		Int("burst", conf.Tunables.Burst).
		Uint32("rxring", conf.Tunables.RxRing).
		Uint32("frames", conf.Tunables.NumFrames).
		Uint32("cache", conf.Tunables.Cache).
		Str("log", conf.Output.Path).
		Msg("polling")

	rec := latency.NewRecorder(out, !conf.Output.Minimal, obs)
	r := pollmode.NewReceiver(src, rec, conf.Tunables.Burst, frObs)

	runtime.LockOSThread()
	runErr := r.Run()

	// Run only returns on a broken invariant or driver failure.
	if st, err := src.Stats(); err == nil {
		l.Error().
			Uint64("received", st.Received).
			Uint64("dropped", st.Dropped).
			Uint64("invalid", st.Invalid).
			Int("outstanding", st.Outstanding).
			Msg("driver state")
	} else {
		l.Warn().Err(err).Msg("reading driver counters")
	}
	fatalIf(out.Close(), "closing latency log")
	fatalIf(src.Close(), "closing driver")
	fatalIf(runErr, "polling")
}
