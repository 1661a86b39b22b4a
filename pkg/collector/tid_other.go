// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !linux

package collector

import "golang.org/x/sys/unix"

// Thread ids are not exposed outside Linux; the pid stands in.
func gettid() uint64 {
	return uint64(unix.Getpid())
}
