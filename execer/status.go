// Copyright 2020, Square, Inc.

package execer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Rendezvous file names inside a job's tempdir.
const (
	STATUS_FILE = "status"
	DIE_FILE    = "died"
	OUT_FILE    = "out"
	ERR_FILE    = "err"
)

// Status is the parsed contents of a rendezvous status file. Has* report
// which records have been written so far: a running job has only start,
// a finished one has start, end, ret, and host.
type Status struct {
	Start int64
	End   int64
	Raw   int
	Host  string

	HasStart bool
	HasEnd   bool
	HasRet   bool
}

// Done reports whether the status file records a finished run.
func (s Status) Done() bool {
	return s.HasEnd && s.HasRet
}

func appendStatus(dir string, lines ...string) error {
	f, err := os.OpenFile(filepath.Join(dir, STATUS_FILE),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := fmt.Fprintln(f, line); err != nil {
			return err
		}
	}
	return nil
}

// WriteStart records the start timestamp in dir's status file.
func WriteStart(dir string, start int64) error {
	return appendStatus(dir, fmt.Sprintf("start:%d", start))
}

// WriteEnd records the end timestamp, raw wait status, and host in dir's
// status file.
func WriteEnd(dir string, end int64, raw int, host string) error {
	return appendStatus(dir,
		fmt.Sprintf("end:%d", end),
		fmt.Sprintf("ret:%d", raw),
		fmt.Sprintf("host:%s", host),
	)
}

// ReadStatus parses dir's status file. A missing file returns a zero
// Status and no error; the job simply has not started writing yet.
func ReadStatus(dir string) (Status, error) {
	var s Status
	data, err := os.ReadFile(filepath.Join(dir, STATUS_FILE))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "start":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				s.Start = n
				s.HasStart = true
			}
		case "end":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				s.End = n
				s.HasEnd = true
			}
		case "ret":
			if n, err := strconv.Atoi(val); err == nil {
				s.Raw = n
				s.HasRet = true
			}
		case "host":
			s.Host = val
		}
	}
	return s, nil
}

// WriteDie records msg as dir's die file. The existence of this file is
// the canonical "this job failed" signal for async and cluster jobs.
func WriteDie(dir, msg string) error {
	return os.WriteFile(filepath.Join(dir, DIE_FILE), []byte(msg), 0644)
}

// ReadDie returns the die message, or "" if the job has not died.
func ReadDie(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, DIE_FILE))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// DieFileExists probes for the die file by listing the directory instead
// of stat'ing the file. On NFS a stat can be answered from a stale
// positive attribute cache; a directory read is not.
func DieFileExists(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Name() == DIE_FILE {
			return true
		}
	}
	return false
}
