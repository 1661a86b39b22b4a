// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package host names the machine a collector runs on.
package host

// FallbackName is used when the host name cannot be read.
const FallbackName = "localhost"

// Name returns the host name reported by the kernel. Inside a container
// with the host's /proc mounted at procRoot it is the host machine's name.
// An empty procRoot means /proc.
func Name(procRoot string) (string, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return hostname(procRoot)
}

// NameOrFallback is Name with FallbackName on error.
func NameOrFallback(procRoot string) string {
	name, err := Name(procRoot)
	if err != nil || name == "" {
		return FallbackName
	}
	return name
}
