// Copyright 2020, Square, Inc.

package job

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/square/toolsrun/execer"
	"github.com/square/toolsrun/sink"
	"github.com/square/toolsrun/util"
)

// TAG prefixes every line of a formatted failure report.
const TAG = "toolsrun"

// How many trailing lines of each sink file go into a report.
const REPORT_TAIL_LINES = 20

const reportTimeFormat = "Mon Jan 2 15:04:05 2006"

// formatError assembles the human-oriented failure report: timings, the
// command line, the inner error, and the tail of each file sink. For
// cluster jobs it leads with the job id and any PBS resource-manager
// warnings from the error sink, and closes with a qstat -f dump.
func (j *Job) formatError(inner string) string {
	inner = strings.TrimRight(strings.TrimSpace(inner), ".!?")

	var lines []string
	if j.mode == CLUSTER && j.jobID != "" {
		lines = append(lines, fmt.Sprintf("cluster job id: %s", j.jobID))
		lines = append(lines, pbsWarnings(j.err)...)
	}

	// Read the status file directly: formatError also runs in the
	// background supervisor goroutine, which must not touch the
	// handle's lazily-populated fields.
	start := "(not started)"
	if st, err := execer.ReadStatus(j.tempdir); err == nil && st.HasStart {
		start = time.Unix(st.Start, 0).Format(reportTimeFormat)
	}
	lines = append(lines,
		fmt.Sprintf("start time: %s", start),
		fmt.Sprintf("current time: %s", time.Now().Format(reportTimeFormat)),
		fmt.Sprintf("command: %s", j.cmdForError),
		inner,
	)

	lines = append(lines, tailOf("stdout", j.out)...)
	lines = append(lines, tailOf("stderr", j.err)...)

	if j.mode == CLUSTER && j.jobID != "" {
		lines = append(lines, fmt.Sprintf("qstat -f %s:", j.jobID))
		dump := strings.TrimRight(j.tq.Dump(j.jobID), "\n")
		if dump != "" {
			lines = append(lines, strings.Split(dump, "\n")...)
		}
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(TAG)
		b.WriteString(": ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// tailOf renders the last lines of a path sink, with a header line.
// Non-file sinks contribute nothing.
func tailOf(name string, s *sink.Sink) []string {
	if s.Kind() != sink.Path {
		return nil
	}
	lines := []string{fmt.Sprintf("last few lines of %s:", name)}
	t := util.Tail(s.Path(), REPORT_TAIL_LINES)
	if t == "" {
		return lines
	}
	return append(lines, strings.Split(t, "\n")...)
}

// pbsWarnings pulls PBS resource-manager warning lines ("=>> PBS: ...")
// out of the error sink file. The scheduler writes them into the job's
// stderr when it intervenes (over-limit kills and the like).
func pbsWarnings(s *sink.Sink) []string {
	if s.Kind() != sink.Path {
		return nil
	}
	data, err := os.ReadFile(s.Path())
	if err != nil {
		return nil
	}
	var warnings []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "=>> PBS:") {
			warnings = append(warnings, line)
		}
	}
	return warnings
}
