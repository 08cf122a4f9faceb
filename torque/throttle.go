// Copyright 2020, Square, Inc.

package torque

import (
	"time"
)

// Upper bound, in seconds, on one randomized wait for queue capacity.
const CAPACITY_WAIT_MAX_SEC = 120

// WaitForCapacity blocks until the scheduler queue holds fewer than max
// jobs. While blocked it re-checks on a randomized 0-120 s cadence so a
// herd of waiting submitters does not hammer qstat in lockstep. The
// queue-full warning is logged once per Client lifetime.
func (c *Client) WaitForCapacity(max int) {
	for {
		n := c.QueuedJobs()
		if n < max {
			return
		}

		c.mu.Lock()
		if !c.warnedFull {
			c.warnedFull = true
			c.mu.Unlock()
			c.logger.Warnf("cluster queue is busy: %d jobs queued, max is %d; waiting for capacity", n, max)
		} else {
			c.mu.Unlock()
		}

		c.sleep(time.Duration(c.randSec(CAPACITY_WAIT_MAX_SEC+1)) * time.Second)
		c.Invalidate()
	}
}
