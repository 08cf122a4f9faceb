// Copyright 2020, Square, Inc.

package util

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/rs/xid"
)

// XID generates a globally unique, 12-byte xid string. Used for tempdir
// tails.
func XID() string {
	return xid.New().String()
}

// Hostname returns the local hostname, or "unknown" if it cannot be
// determined. Status records must always carry a host field, so errors
// are swallowed here.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// Username returns the current OS user name. Falls back to $USER, then
// "unknown".
func Username() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}

// Tail returns up to the last n lines of the file at path, without a
// trailing newline. If the file cannot be read, the error is reported
// inline so callers can embed the result in diagnostics as-is.
func Tail(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("(cannot read %s: %s)", path, err)
	}
	s := strings.TrimRight(string(data), "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// JobName derives a scheduler-safe job name from the first token of cmd:
// the basename, with anything outside [A-Za-z0-9_.-] replaced by "_".
// Returns "job" for an empty command.
func JobName(cmd []string) string {
	if len(cmd) == 0 || cmd[0] == "" {
		return "job"
	}
	base := cmd[0]
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	// first token only, in case the command is a shell string
	if i := strings.IndexByte(base, ' '); i >= 0 {
		base = base[:i]
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}

// ShellQuote quotes s for safe inclusion in a /bin/sh command line.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-', r == '/', r == ':', r == '=', r == ',':
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
