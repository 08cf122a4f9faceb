// Copyright 2020, Square, Inc.

package job

import (
	"fmt"
)

var _ error = ErrUsage{}

// ErrUsage is a bad option or argument: an invalid sink combination, a
// missing ExistingTemp dir, an empty command. Always surfaced,
// regardless of StoreError.
type ErrUsage struct {
	Message string
}

func (e ErrUsage) Error() string {
	return e.Message
}

// --------------------------------------------------------------------------

var _ error = ErrJobFailed{}

// ErrJobFailed is a runtime failure: non-zero exit, a non-ignored
// signal, or an OS error while waiting. The message is the full
// formatted report.
type ErrJobFailed struct {
	Message string
}

func (e ErrJobFailed) Error() string {
	return e.Message
}

// --------------------------------------------------------------------------

var _ error = ErrNotSubmittable{}

// ErrNotSubmittable means a cluster submission was rejected before
// reaching qsub: a sink that is not a file, or a path the cluster nodes
// cannot see.
type ErrNotSubmittable struct {
	Reason string
}

func (e ErrNotSubmittable) Error() string {
	return fmt.Sprintf("cannot submit to cluster: %s", e.Reason)
}

// --------------------------------------------------------------------------

var _ error = ErrScheduler{}

// ErrScheduler is a batch scheduler failure: unparseable qsub output
// after retries, qdel failing twice, and the like.
type ErrScheduler struct {
	Op  string
	Err error
}

func (e ErrScheduler) Error() string {
	return fmt.Sprintf("scheduler %s failed: %s", e.Op, e.Err)
}
