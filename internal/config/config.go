// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config loads the analyzer configuration: a YAML file whose values
// command-line flags may override.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antimetal/gpuperf/internal/metrics/consumers/blobfile"
	"github.com/antimetal/gpuperf/internal/metrics/consumers/debug"
)

// GroupBy selects how input records are split into leaf data tables.
type GroupBy string

const (
	// GroupByHost gives every collector host its own leaf.
	GroupByHost GroupBy = "host"
	// GroupByFile gives every input file its own leaf.
	GroupByFile GroupBy = "file"
)

func (g GroupBy) IsValid() bool {
	return g == GroupByHost || g == GroupByFile
}

type Config struct {
	Input      InputConfig      `yaml:"input"`
	Tree       TreeConfig       `yaml:"tree"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Output     OutputConfig     `yaml:"output"`
	Pprof      PprofConfig      `yaml:"pprof"`
}

type InputConfig struct {
	// Paths lists blob stream files and directories holding them.
	Paths []string `yaml:"paths"`
	// Follow keeps watching directories for new files until IdleTimeout
	// passes without one.
	Follow      bool          `yaml:"follow"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	GroupBy     GroupBy       `yaml:"group_by"`
	// Concurrency bounds the number of files read at once.
	Concurrency int `yaml:"concurrency"`
}

type TreeConfig struct {
	// Fanout bounds the children of every node (0 = flat tree).
	Fanout int `yaml:"fanout"`
}

type ClusteringConfig struct {
	// MinThreads drops clustered states covering fewer threads
	// (0 = keep all).
	MinThreads int `yaml:"min_threads"`
	// MapsDir holds saved "<host>.<pid>.maps" files describing the linked
	// objects of the profiled processes (empty = none).
	MapsDir string `yaml:"maps_dir"`
}

type OutputConfig struct {
	// Dir receives the representative blob stream files.
	Dir         string `yaml:"dir"`
	MaxFileSize int64  `yaml:"max_file_size"`
	BufferSize  int    `yaml:"buffer_size"`
	// Summary is the path of the JSON cluster summary (empty = none).
	Summary string `yaml:"summary"`
	// Metrics is the path of the clustering statistics in Prometheus
	// text format (empty = none).
	Metrics string `yaml:"metrics"`
	// Debug logs every representative record.
	Debug       bool            `yaml:"debug"`
	DebugFormat debug.LogFormat `yaml:"debug_format"`
}

type PprofConfig struct {
	// Dir receives one profile per representative thread (empty = none).
	Dir string `yaml:"dir"`
}

// Default returns a sensible default configuration
func Default() Config {
	files := blobfile.DefaultConfig()
	return Config{
		Input: InputConfig{
			IdleTimeout: 30 * time.Second,
			GroupBy:     GroupByHost,
			Concurrency: 4,
		},
		Output: OutputConfig{
			Dir:         "representatives",
			MaxFileSize: files.MaxFileSize,
			BufferSize:  files.BufferSize,
			DebugFormat: debug.LogFormatText,
		},
	}
}

// Load reads the YAML file at path over the defaults. Unknown keys are
// rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	var errs []error
	if len(c.Input.Paths) == 0 {
		errs = append(errs, errors.New("input: at least one path is required"))
	}
	if c.Input.Follow && c.Input.IdleTimeout <= 0 {
		errs = append(errs, errors.New("input: idle_timeout must be positive in follow mode"))
	}
	if !c.Input.GroupBy.IsValid() {
		errs = append(errs, fmt.Errorf("input: group_by must be %q or %q, got %q", GroupByHost, GroupByFile, c.Input.GroupBy))
	}
	if c.Input.Concurrency <= 0 {
		errs = append(errs, errors.New("input: concurrency must be positive"))
	}
	if c.Tree.Fanout < 0 || c.Tree.Fanout == 1 {
		errs = append(errs, fmt.Errorf("tree: fanout must be 0 or at least 2, got %d", c.Tree.Fanout))
	}
	if c.Clustering.MinThreads < 0 {
		errs = append(errs, errors.New("clustering: min_threads cannot be negative"))
	}
	if err := c.Output.BlobFile().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("output: %w", err))
	}
	if c.Output.Debug && !c.Output.DebugFormat.IsValid() {
		errs = append(errs, fmt.Errorf("output: %w", debug.ErrInvalidLogFormat))
	}
	return errors.Join(errs...)
}

// BlobFile returns the blob file consumer configuration for the output
// section.
func (o OutputConfig) BlobFile() blobfile.Config {
	return blobfile.Config{
		OutputPath:  o.Dir,
		MaxFileSize: o.MaxFileSize,
		BufferSize:  o.BufferSize,
	}
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
