// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/antimetal/gpuperf/internal/analyze"
	"github.com/antimetal/gpuperf/internal/config"
)

var debugLog bool

func main() {
	flags := config.BindFlags(flag.CommandLine)
	flag.BoolVar(&debugLog, "debug", false, "Enable development logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <blob file or directory>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger, flush, err := newLogger(debugLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer flush()

	cfg, err := flags.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received interrupt, shutting down")
		cancel()
	}()

	summary, err := analyze.New(cfg, logger).Run(ctx)
	if errors.Is(err, analyze.ErrNoInput) {
		fmt.Fprintf(os.Stderr, "No performance data found in %v\n", cfg.Input.Paths)
		os.Exit(1)
	}
	if err != nil {
		logger.Error(err, "analysis failed")
		os.Exit(1)
	}

	fmt.Printf("Leaves:          %d\n", len(summary.Leaves))
	fmt.Printf("Threads:         %d\n", summary.Threads)
	fmt.Printf("Representatives: %d\n", len(summary.Representatives))
	for _, c := range summary.Criteria {
		fmt.Printf("  %s: %d clusters\n", c.Name, len(c.Clusters))
		for _, cluster := range c.Clusters {
			fmt.Printf("    %s (%d threads)\n", cluster.Representative, len(cluster.Members))
		}
	}
	for _, f := range summary.Files {
		fmt.Printf("Wrote %s\n", f)
	}
	for _, p := range summary.Profiles {
		fmt.Printf("Wrote %s\n", p)
	}
}

func newLogger(development bool) (logr.Logger, func(), error) {
	var (
		zapLog *zap.Logger
		err    error
	)
	if development {
		zapLog, err = zap.NewDevelopment()
	} else {
		zapLog, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	return zapr.NewLogger(zapLog), func() { _ = zapLog.Sync() }, nil
}
