// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import (
	"errors"
	"fmt"
	"slices"

	"github.com/antimetal/gpuperf/internal/metrics"
	"github.com/antimetal/gpuperf/pkg/blob"
)

// LogLevel sets how much of each event is logged.
type LogLevel int

const (
	LogLevelBasic   LogLevel = iota // kind and thread
	LogLevelDetails                 // plus source, message count and blob interval
	LogLevelVerbose                 // plus per-kind message counts and, optionally, the blob
)

var levelNames = []string{"basic", "details", "verbose"}

var (
	ErrInvalidLogLevel    = errors.New("log level must be basic, details or verbose")
	ErrInvalidLogFormat   = fmt.Errorf("log format must be %q or %q", LogFormatJSON, LogFormatText)
	ErrNegativeDataLength = errors.New("max data length cannot be negative")
)

func (l LogLevel) String() string {
	if l < LogLevelBasic || l > LogLevelVerbose {
		return fmt.Sprintf("unknown(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLogLevel accepts the names returned by LogLevel.String.
func ParseLogLevel(s string) (LogLevel, error) {
	i := slices.Index(levelNames, s)
	if i < 0 {
		return 0, fmt.Errorf("%w, got %q", ErrInvalidLogLevel, s)
	}
	return LogLevel(i), nil
}

type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) String() string { return string(f) }

func (f LogFormat) IsValid() bool {
	return f == LogFormatJSON || f == LogFormatText
}

// Filter selects the events that get logged. An empty field matches
// everything.
type Filter struct {
	Kinds   []blob.RecordKind
	Sources []string
	// Hosts matches the host of the event's thread.
	Hosts []string
}

func (f Filter) Match(event metrics.Event) bool {
	return matches(f.Kinds, event.Kind) &&
		matches(f.Sources, event.Source) &&
		matches(f.Hosts, event.Thread.Host)
}

func matches[T comparable](allowed []T, v T) bool {
	return len(allowed) == 0 || slices.Contains(allowed, v)
}

type Config struct {
	LogLevel  LogLevel
	LogFormat LogFormat

	IncludeTimestamp bool
	// IncludeEventData logs the whole blob at LogLevelVerbose, cut to
	// MaxDataLength bytes of JSON (0 = no limit).
	IncludeEventData bool
	MaxDataLength    int

	Filter Filter
}

func DefaultConfig() Config {
	return Config{
		LogLevel:         LogLevelDetails,
		LogFormat:        LogFormatText,
		IncludeTimestamp: true,
		MaxDataLength:    1000,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.LogLevel < LogLevelBasic || c.LogLevel > LogLevelVerbose {
		errs = append(errs, fmt.Errorf("%w, got %d", ErrInvalidLogLevel, int(c.LogLevel)))
	}
	if !c.LogFormat.IsValid() {
		errs = append(errs, ErrInvalidLogFormat)
	}
	if c.MaxDataLength < 0 {
		errs = append(errs, ErrNegativeDataLength)
	}
	return errors.Join(errs...)
}
