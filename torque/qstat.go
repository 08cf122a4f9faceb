// Copyright 2020, Square, Inc.

package torque

import (
	"strings"
	"time"
)

// Time to wait before re-running a failed qstat.
const QSTAT_RETRY_WAIT = 3 * time.Second

// View returns the parsed qstat -f view: job id => lowercased attribute
// map. The view is cached process-wide and refreshed only when it is
// older than the configured window or has been invalidated.
func (c *Client) View() map[string]map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale || time.Since(c.lastPoll) > c.cfg.QstatCacheWindow() {
		c.refresh()
	}
	return c.view.Items()
}

// Invalidate forces the next View to re-poll qstat.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = true
}

// State returns the job_state code for jobID ("r", "q", "e", ...), or ""
// if the scheduler no longer reports the job.
func (c *Client) State(jobID string) string {
	view := c.View()
	attrs, ok := view[jobID]
	if !ok {
		return ""
	}
	return attrs["job_state"]
}

// JobAlive reports whether the scheduler still tracks jobID as running,
// queued, or ending.
func (c *Client) JobAlive(jobID string) bool {
	switch c.State(jobID) {
	case "r", "q", "e":
		return true
	}
	return false
}

// QueuedJobs returns the number of jobs in the current view.
func (c *Client) QueuedJobs() int {
	return len(c.View())
}

// refresh re-polls qstat -f. Called with c.mu held. A failing qstat is
// retried once after QSTAT_RETRY_WAIT; a second failure logs and leaves
// an empty view rather than blocking the caller.
func (c *Client) refresh() {
	for attempt := 1; ; attempt++ {
		out, err := c.run("qstat", "-f")
		if err == nil && !qstatErrored(out) {
			c.view.Replace(parseQstat(out))
			c.lastPoll = time.Now()
			c.stale = false
			return
		}
		if attempt >= 2 {
			c.logger.Warnf("qstat failed twice, treating queue as empty: err=%v output=%q", err, out)
			c.view.Replace(nil)
			c.lastPoll = time.Now()
			c.stale = false
			return
		}
		c.logger.Warnf("qstat failed, retrying in %s: err=%v output=%q", QSTAT_RETRY_WAIT, err, out)
		c.sleep(QSTAT_RETRY_WAIT)
	}
}

func qstatErrored(out []byte) bool {
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "qstat:") {
			return true
		}
	}
	return false
}

// parseQstat parses qstat -f output: records begin with "Job Id: <id>",
// followed by "key = value" lines. Keys and values are lowercased; keys
// containing "=" or ":" are dropped.
func parseQstat(out []byte) map[string]map[string]string {
	jobs := map[string]map[string]string{}
	var cur map[string]string
	for _, raw := range strings.Split(string(out), "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.HasPrefix(line, "Job Id:") {
			id := strings.TrimSpace(strings.TrimPrefix(line, "Job Id:"))
			cur = map[string]string{}
			jobs[id] = cur
			continue
		}
		if cur == nil {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" || strings.ContainsAny(key, ":") {
			continue
		}
		cur[key] = strings.ToLower(strings.TrimSpace(v))
	}
	return jobs
}
