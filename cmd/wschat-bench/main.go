package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/Tyrowin/wschat/internal/bench"
	"github.com/Tyrowin/wschat/internal/logging"
	"go.uber.org/zap"
)

func main() {
	var opts bench.Options
	flag.StringVar(&opts.Addr, "addr", "", "Address to connect to (with ws:// or wss://)")
	flag.IntVar(&opts.Conns, "c", 1, "Number of connections")
	flag.IntVar(&opts.MsgsPerConn, "mpc", 1, "Number of messages to send from each connection")
	flag.BoolVar(&opts.SameStart, "same-start", false, "Start all workers at the same time (after each has connected)")
	flag.BoolVar(&opts.Test, "test", false, "Run in test mode (messages from the server are checked)")
	flag.DurationVar(&opts.Timeout, "test-timeout", time.Minute, "Max duration to connect and read/write for")
	timed := flag.Bool("time", false, "Print the elapsed time in seconds")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	logger, err := logging.New(*logLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	opts.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := bench.Run(ctx, opts)
	if err != nil {
		logger.Fatal("Invalid options", zap.Error(err))
	}

	switch {
	case opts.Test:
		report.Print(os.Stdout)
		if report.Failed() > 0 {
			stop()
			_ = logger.Sync()
			os.Exit(1)
		}
	case *timed:
		fmt.Printf("%f\n", report.Elapsed.Seconds())
	}
}
