// Copyright 2020, Square, Inc.

// Package tempdir creates and removes per-job rendezvous directories.
// Each job gets a unique directory under
//
//	<base>/<username>-toolsrun-tempfiles/<5 two-char segments>/<jobname>-<xid>
//
// The two-char segments spread many concurrent jobs across the
// filesystem tree so no single directory collects thousands of entries;
// the xid tail makes the name unique across hosts sharing the base
// filesystem, not just within one process.
package tempdir

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/square/toolsrun/util"
)

// MarkerSuffix names the top-level per-user directory. Cleanup never
// ascends past a directory with this suffix.
const MarkerSuffix = "-toolsrun-tempfiles"

const segmentChars = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	baseMu      sync.Mutex
	defaultBase string
)

// SetBase overrides the process-wide default base directory. An empty
// string restores the OS temp directory.
func SetBase(base string) {
	baseMu.Lock()
	defer baseMu.Unlock()
	defaultBase = base
}

// Base returns the process-wide default base directory.
func Base() string {
	baseMu.Lock()
	defer baseMu.Unlock()
	if defaultBase != "" {
		return defaultBase
	}
	return os.TempDir()
}

// New creates a unique rendezvous directory for jobName and returns its
// path. base overrides the process default when non-empty. Creation is
// recursive; the tail segment carries a globally unique xid and is
// created with the atomic os.Mkdir, which fails rather than reuse an
// existing directory.
func New(base, jobName string) (string, error) {
	if base == "" {
		base = Base()
	}
	if jobName == "" {
		jobName = "job"
	}

	segs := make([]string, 5)
	for i := range segs {
		segs[i] = string([]byte{
			segmentChars[rand.Intn(len(segmentChars))],
			segmentChars[rand.Intn(len(segmentChars))],
		})
	}

	parent := filepath.Join(append(
		[]string{base, util.Username() + MarkerSuffix}, segs...)...)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("cannot create tempdir parent %s: %w", parent, err)
	}

	dir := filepath.Join(parent, jobName+"-"+util.XID())
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", fmt.Errorf("cannot create tempdir %s: %w", dir, err)
	}
	return dir, nil
}

// Cleanup removes dir and then walks upward removing ancestor segment
// directories as long as they are empty, stopping at the per-user
// marker directory. Removing a dir that is already gone is not an
// error.
func Cleanup(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	for p := filepath.Dir(dir); ; p = filepath.Dir(p) {
		if p == "/" || p == "." || strings.HasSuffix(p, MarkerSuffix) {
			break
		}
		// Remove fails on non-empty dirs, which is how the walk stops.
		if err := os.Remove(p); err != nil {
			break
		}
	}
	return nil
}
