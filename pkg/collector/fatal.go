// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

const component = "gpuperf"

// CodedError is implemented by profiling-API and counter-library errors
// that carry a numeric return code.
type CodedError interface {
	error
	Code() int
}

// APIError is a failed profiling-API or counter-library call.
type APIError struct {
	Call        string
	ReturnCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s = %d (%s)", e.Call, e.ReturnCode, e.Description)
}

func (e *APIError) Code() int {
	return e.ReturnCode
}

// reporter writes the collector's single-line diagnostics. A fatal report
// ends the process through exit.
type reporter struct {
	mu   sync.Mutex
	out  io.Writer
	exit func(int)
}

func (r *reporter) prefix() string {
	return fmt.Sprintf("[%s %d:%d]", component, unix.Getpid(), gettid())
}

// fatal reports that call, made from function, failed with err and exits.
func (r *reporter) fatal(function, call string, err error) {
	code, description := 1, err.Error()
	var apiErr *APIError
	var coded CodedError
	var errno unix.Errno
	switch {
	case errors.As(err, &apiErr):
		code, description = apiErr.ReturnCode, apiErr.Description
	case errors.As(err, &coded):
		code = coded.Code()
	case errors.As(err, &errno):
		code = int(errno)
	}

	r.mu.Lock()
	fmt.Fprintf(r.out, "%s %s(): %s = %d (%s)\n", r.prefix(), function, call, code, description)
	r.mu.Unlock()
	r.exit(1)
}

func (r *reporter) dropped(n uint64, streamID uint32, context perfdata.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "%s dropped %d activity records for stream ID %d in context %s\n",
		r.prefix(), n, streamID, context)
}
