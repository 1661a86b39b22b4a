// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blobfile

import "errors"

// Config holds configuration for the blob stream file consumer
type Config struct {
	// OutputPath is the directory that receives blob stream files
	OutputPath string
	// MaxFileSize is the size after which the consumer rotates to a new
	// file (0 = no size limit)
	MaxFileSize int64
	// MaxFiles is the maximum number of finished files to keep (0 = unlimited)
	MaxFiles int
	// BufferSize is the size of the write buffer
	BufferSize int
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		OutputPath:  "/var/lib/gpuperf/blobs",
		MaxFileSize: 64 * 1024 * 1024, // 64 MB
		MaxFiles:    0,
		BufferSize:  64 * 1024, // 64 KB buffer
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.OutputPath == "" {
		return errors.New("output path cannot be empty")
	}
	if c.MaxFileSize < 0 {
		return errors.New("max file size cannot be negative")
	}
	if c.MaxFiles < 0 {
		return errors.New("max files cannot be negative")
	}
	if c.BufferSize <= 0 {
		return errors.New("buffer size must be positive")
	}
	return nil
}
