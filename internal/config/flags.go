// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"flag"
	"time"
)

// Flags holds the command-line overrides of the configuration file.
type Flags struct {
	fs *flag.FlagSet

	path        string
	follow      bool
	idleTimeout time.Duration
	groupBy     string
	fanout      int
	minThreads  int
	mapsDir     string
	outputDir   string
	summary     string
	metrics     string
	debug       bool
	pprofDir    string
}

// BindFlags registers the configuration flags on fs.
func BindFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	def := Default()
	fs.StringVar(&f.path, "config", "", "Path to the YAML configuration file")
	fs.BoolVar(&f.follow, "follow", def.Input.Follow,
		"Keep watching input directories for new blob files")
	fs.DurationVar(&f.idleTimeout, "idle-timeout", def.Input.IdleTimeout,
		"Stop following after this long without a new file")
	fs.StringVar(&f.groupBy, "group-by", string(def.Input.GroupBy),
		"Leaf grouping: 'host' for one leaf per collector host, 'file' for one leaf per input file")
	fs.IntVar(&f.fanout, "fanout", def.Tree.Fanout,
		"Maximum children per clustering node (0 = flat tree)")
	fs.IntVar(&f.minThreads, "min-threads", def.Clustering.MinThreads,
		"Drop clustered states covering fewer threads")
	fs.StringVar(&f.mapsDir, "maps-dir", def.Clustering.MapsDir,
		"Directory of saved <host>.<pid>.maps files")
	fs.StringVar(&f.outputDir, "output-dir", def.Output.Dir,
		"Output directory for representative blob files")
	fs.StringVar(&f.summary, "summary", def.Output.Summary,
		"Path of the JSON cluster summary")
	fs.StringVar(&f.metrics, "metrics", def.Output.Metrics,
		"Path of the clustering statistics in Prometheus text format")
	fs.BoolVar(&f.debug, "debug-output", def.Output.Debug,
		"Log every representative record")
	fs.StringVar(&f.pprofDir, "pprof-dir", def.Pprof.Dir,
		"Output directory for per-representative pprof profiles")
	return f
}

// Resolve loads the configuration file, if one was named, applies the
// flags that were set explicitly and appends the positional arguments to
// the input paths. The result is validated.
func (f *Flags) Resolve() (Config, error) {
	cfg := Default()
	if f.path != "" {
		var err error
		if cfg, err = Load(f.path); err != nil {
			return Config{}, err
		}
	}

	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "follow":
			cfg.Input.Follow = f.follow
		case "idle-timeout":
			cfg.Input.IdleTimeout = f.idleTimeout
		case "group-by":
			cfg.Input.GroupBy = GroupBy(f.groupBy)
		case "fanout":
			cfg.Tree.Fanout = f.fanout
		case "min-threads":
			cfg.Clustering.MinThreads = f.minThreads
		case "maps-dir":
			cfg.Clustering.MapsDir = f.mapsDir
		case "output-dir":
			cfg.Output.Dir = f.outputDir
		case "summary":
			cfg.Output.Summary = f.summary
		case "metrics":
			cfg.Output.Metrics = f.metrics
		case "debug-output":
			cfg.Output.Debug = f.debug
		case "pprof-dir":
			cfg.Pprof.Dir = f.pprofDir
		}
	})
	cfg.Input.Paths = append(cfg.Input.Paths, f.fs.Args()...)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
