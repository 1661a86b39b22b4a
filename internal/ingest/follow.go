// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// Follower ingests the stream files already present in a set of
// directories and then every file that appears there. Writers publish a
// file by renaming it into place once it is complete.
type Follower struct {
	dirs    []string
	handle  Handler
	watcher *fsnotify.Watcher
	opts    options
	seen    map[string]struct{}
}

func NewFollower(dirs []string, handle Handler, opts ...Option) (*Follower, error) {
	o := newOptions(opts)
	logger := o.logger.WithName("follow")
	o.logger = logger

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := addWatches(watcher, dir, logger); err != nil {
			if cerr := watcher.Close(); cerr != nil {
				logger.Error(cerr, "failed to close fs watcher")
			}
			return nil, fmt.Errorf("failed to add watches: %w", err)
		}
	}

	return &Follower{
		dirs:    dirs,
		handle:  handle,
		watcher: watcher,
		opts:    o,
		seen:    make(map[string]struct{}),
	}, nil
}

// Run ingests until idle passes without a new file, or ctx is done. It
// returns nil after an idle timeout. Run closes the watcher and must be
// called once.
func (f *Follower) Run(ctx context.Context, idle time.Duration) error {
	defer func() {
		if err := f.watcher.Close(); err != nil {
			f.opts.logger.Error(err, "failed to close fs watcher")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.concurrency)

	existing, err := Expand(f.dirs)
	if err != nil {
		return err
	}
	for _, path := range existing {
		f.ingest(ctx, g, path)
	}

	timer := time.NewTimer(idle)
	defer timer.Stop()

	err = f.processEvents(ctx, g, timer, idle)
	if werr := g.Wait(); werr != nil {
		return werr
	}
	if err != nil {
		return err
	}
	f.opts.logger.Info("follow finished", "files", len(f.seen))
	return nil
}

func (f *Follower) processEvents(ctx context.Context, g *errgroup.Group, timer *time.Timer, idle time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			f.opts.logger.V(1).Info("no new file", "idle", idle)
			return nil
		case event, ok := <-f.watcher.Events:
			if !ok {
				return nil
			}
			if f.handleEvent(ctx, g, event) {
				timer.Reset(idle)
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return nil
			}
			f.opts.logger.Error(err, "filesystem watcher error")
		}
	}
}

// handleEvent reports whether event brought a new stream file.
func (f *Follower) handleEvent(ctx context.Context, g *errgroup.Group, event fsnotify.Event) bool {
	f.opts.logger.V(1).Info("received file event", "file", event.Name, "op", event.Op.String())
	if !event.Has(fsnotify.Create) || !IsStreamFile(event.Name) {
		return false
	}
	return f.ingest(ctx, g, event.Name)
}

func (f *Follower) ingest(ctx context.Context, g *errgroup.Group, path string) bool {
	if _, ok := f.seen[path]; ok {
		return false
	}
	f.seen[path] = struct{}{}
	g.Go(func() error {
		n, err := ReadFile(ctx, path, f.handle)
		if err != nil {
			return err
		}
		f.opts.logger.V(1).Info("file ingested", "path", path, "records", n)
		return nil
	})
	return true
}

func addWatches(watcher *fsnotify.Watcher, path string, logger logr.Logger) error {
	return filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(walkPath); err != nil {
				return err
			}
			logger.V(1).Info("watching directory", "path", walkPath)
		}
		return nil
	})
}
