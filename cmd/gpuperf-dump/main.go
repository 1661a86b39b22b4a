// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// gpuperf-dump prints the records of blob stream files as JSON Lines.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/antimetal/gpuperf/internal/ingest"
	"github.com/antimetal/gpuperf/pkg/blob"
)

var (
	host     string
	skipData bool
	verbose  bool
)

func init() {
	flag.StringVar(&host, "host", "", "Only print records of threads on this host")
	flag.BoolVar(&skipData, "headers-only", false, "Omit messages and stack traces of blob records")
	flag.BoolVar(&verbose, "verbose", false, "Log every file read to stderr")
}

type message struct {
	Kind    string       `json:"kind"`
	Message blob.Message `json:"message"`
}

type record struct {
	File        string       `json:"file"`
	Kind        string       `json:"kind"`
	Thread      string       `json:"thread"`
	Header      *blob.Header `json:"header,omitempty"`
	Messages    []message    `json:"messages,omitempty"`
	StackTraces []uint64     `json:"stack_traces,omitempty"`
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <blob file or directory>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	zapLog, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zapLog.Sync() }()
	logger := zapr.NewLogger(zapLog)
	if !verbose {
		logger = logger.V(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	encoder := json.NewEncoder(os.Stdout)
	dump := func(source string, rec blob.Record) error {
		if host != "" && rec.Thread.Host != host {
			return nil
		}
		out := record{File: source, Kind: rec.Kind.String(), Thread: rec.Thread.String()}
		if rec.Blob != nil {
			out.Header = &rec.Blob.Header
			if !skipData {
				for _, m := range rec.Blob.Messages {
					out.Messages = append(out.Messages, message{Kind: m.Kind().String(), Message: m})
				}
				for _, addr := range rec.Blob.StackTraces {
					out.StackTraces = append(out.StackTraces, uint64(addr))
				}
			}
		}
		return encoder.Encode(out)
	}

	// One reader keeps the output in file order.
	err = ingest.Files(ctx, flag.Args(), dump,
		ingest.WithLogger(logger),
		ingest.WithConcurrency(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
