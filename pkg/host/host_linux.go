// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package host

import (
	"os"
	"path/filepath"
	"strings"
)

func hostname(procRoot string) (string, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, "sys/kernel/hostname"))
	if err != nil {
		return os.Hostname()
	}
	return strings.TrimSpace(string(data)), nil
}
