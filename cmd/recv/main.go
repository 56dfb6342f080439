//go:build linux

// Command recv records the latency of every datagram arriving on a UDP
// socket.
//
//	recv [flags] [log-path]
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/romshark/latency-bench-go/config"
	"github.com/romshark/latency-bench-go/latency"
	"github.com/romshark/latency-bench-go/logging"
	"github.com/romshark/latency-bench-go/metrics"
	"github.com/romshark/latency-bench-go/receiver"
)

func fatalIf(err error, msg string) {
	if err != nil {
		log.Fatal().Err(err).Msg(msg)
	}
}

func loadConfig() (*config.Recv, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fPort := flag.Uint("port", 0, "UDP port to listen on")
	fRcvBuf := flag.Int("rcvbuf", 0, "requested kernel receive buffer in bytes")
	fMinimal := flag.Bool("minimal", false, "log arrival time and length only")
	fFlushEvery := flag.Int("flush-every", 0, "flush the log every N records")
	fMetrics := flag.String("metrics", "", "serve Prometheus metrics on this address")
	fLogLevel := flag.String("log-level", "", "debug, info, warn or error")
	fLogFormat := flag.String("log-format", "", "console or json")
	flag.Parse()

	var conf config.Recv
	if err := config.Load(*fConfig, &conf); err != nil {
		return nil, err
	}
	switch flag.NArg() {
	case 0:
	case 1:
		conf.Output.Path = flag.Arg(0)
	default:
		return nil, fmt.Errorf("expected at most one log path, got %d arguments", flag.NArg())
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			conf.Port = uint16(*fPort)
		case "rcvbuf":
			conf.RcvBuf = *fRcvBuf
		case "minimal":
			conf.Output.Minimal = *fMinimal
		case "flush-every":
			conf.Output.FlushEvery = *fFlushEvery
		case "metrics":
			conf.Output.Metrics = *fMetrics
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

func main() {
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		os.Exit(1)
	}
	l := logging.Init(conf.Logging)

	conn, err := receiver.Listen(conf.Port, conf.RcvBuf)
	fatalIf(err, "creating endpoint")

	out, err := latency.OpenLogger(conf.Output.Path, conf.Output.Schema(), conf.Output.FlushEvery)
	fatalIf(err, "opening latency log")

	var obs latency.Observer
	if conf.Output.Metrics != "" {
		obs = metrics.New(prometheus.DefaultRegisterer, "socket")
		metrics.Serve(conf.Output.Metrics, l)
	}

	l.Info().
		Uint16("port", conf.Port).
		Int("rcvbuf", conf.RcvBuf).
		Str("log", conf.Output.Path).
		Bool("minimal", conf.Output.Minimal).
		Msg("listening")

	rec := latency.NewRecorder(out, !conf.Output.Minimal, obs)
	runErr := receiver.NewSocketReceiver(conn, rec, l).Run()
	fatalIf(out.Close(), "closing latency log")
	fatalIf(runErr, "receiving")
}
