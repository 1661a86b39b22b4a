// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ingest reads blob stream files written by collectors, either once
// or by following directories that collectors keep writing to.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/gpuperf/pkg/blob"
)

// Handler receives every record read, tagged with the file it came from.
// Records of one file arrive in order; records of different files may
// arrive concurrently.
type Handler func(source string, rec blob.Record) error

type options struct {
	logger      logr.Logger
	concurrency int
}

type Option func(*options)

func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithConcurrency bounds the number of files read at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

func newOptions(opts []Option) options {
	o := options{logger: logr.Discard(), concurrency: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	o.logger = o.logger.WithName("ingest")
	return o
}

// IsStreamFile reports whether name is a finished blob stream file.
func IsStreamFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), blob.StreamFileExt)
}

// Expand replaces every directory in paths by the stream files below it,
// sorted by path. Files named explicitly are kept whatever their name.
func Expand(paths []string) ([]string, error) {
	var out []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, path)
			continue
		}
		var found []string
		err = filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && IsStreamFile(walkPath) {
				found = append(found, walkPath)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", path, err)
		}
		slices.Sort(found)
		out = append(out, found...)
	}
	return out, nil
}

// ReadFile passes every record of the stream file at path to handle and
// returns the number of records read.
func ReadFile(ctx context.Context, path string, handle Handler) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := blob.NewStreamReader(f)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("%s: record %d: %w", path, n, err)
		}
		if err := handle(path, rec); err != nil {
			return n, fmt.Errorf("%s: record %d (%s): %w", path, n, rec.Kind, err)
		}
		n++
	}
}

// Files reads the given files and directories once.
func Files(ctx context.Context, paths []string, handle Handler, opts ...Option) error {
	o := newOptions(opts)
	files, err := Expand(paths)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, path := range files {
		g.Go(func() error {
			n, err := ReadFile(ctx, path, handle)
			if err != nil {
				return err
			}
			o.logger.V(1).Info("file ingested", "path", path, "records", n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	o.logger.Info("input ingested", "files", len(files))
	return nil
}
